// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"kg/h", KgPerHour, false},
		{"g/h", GramsPerHour, false},
		{"m3/h", CubicMetersPerHour, false},
		{"KG/H", "", true},
		{"lbs/h", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToKgPerHour(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		unit  Unit
		want  float64
	}{
		{"kg/h passthrough", 12.5, KgPerHour, 12.5},
		{"g/h divides by 1000", 8000, GramsPerHour, 8.0},
		{"m3/h uses methane density", 10, CubicMetersPerHour, 6.56},
		{"zero stays zero", 0, GramsPerHour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToKgPerHour(tt.value, tt.unit)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := ToKgPerHour(1, Unit("ppm"))
	require.Error(t, err)
}

func TestFromKgPerHourRoundTrips(t *testing.T) {
	for _, unit := range []Unit{KgPerHour, GramsPerHour, CubicMetersPerHour} {
		converted, err := FromKgPerHour(3.14, unit)
		require.NoError(t, err)
		back, err := ToKgPerHour(converted, unit)
		require.NoError(t, err)
		assert.InDelta(t, 3.14, back, 1e-9, "unit %s", unit)
	}
}
