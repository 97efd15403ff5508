// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package units converts methane emission rates between measurement units.
//
// Every reading entering the system is normalized to kg/h at the ingestion
// boundary. Downstream components (store, analytics, compliance) only ever
// see kg/h and never perform conversions themselves.
package units

import "fmt"

// Unit is a supported emission rate unit.
type Unit string

const (
	// KgPerHour is the canonical unit. All stored rates use it.
	KgPerHour Unit = "kg/h"

	// GramsPerHour is converted by dividing by 1000.
	GramsPerHour Unit = "g/h"

	// CubicMetersPerHour is converted using methane density.
	CubicMetersPerHour Unit = "m3/h"
)

// MethaneDensityKgPerM3 is the approximate density of methane at ~15C near
// sea level, used to convert volumetric rates to mass rates.
const MethaneDensityKgPerM3 = 0.656

// Parse returns the Unit for a raw unit string.
//
// Returns an error for anything other than "kg/h", "g/h", or "m3/h".
func Parse(s string) (Unit, error) {
	switch Unit(s) {
	case KgPerHour, GramsPerHour, CubicMetersPerHour:
		return Unit(s), nil
	}
	return "", fmt.Errorf("unsupported unit: %q", s)
}

// ToKgPerHour converts an emission rate to kg/h.
//
// Returns an error if the unit is unsupported.
func ToKgPerHour(value float64, unit Unit) (float64, error) {
	switch unit {
	case KgPerHour:
		return value, nil
	case GramsPerHour:
		return value / 1000.0, nil
	case CubicMetersPerHour:
		return value * MethaneDensityKgPerM3, nil
	}
	return 0, fmt.Errorf("unsupported unit: %q", unit)
}

// FromKgPerHour converts a kg/h emission rate to the requested unit.
//
// Returns an error if the unit is unsupported.
func FromKgPerHour(valueKgH float64, unit Unit) (float64, error) {
	switch unit {
	case KgPerHour:
		return valueKgH, nil
	case GramsPerHour:
		return valueKgH * 1000.0, nil
	case CubicMetersPerHour:
		return valueKgH / MethaneDensityKgPerM3, nil
	}
	return 0, fmt.Errorf("unsupported unit: %q", unit)
}
