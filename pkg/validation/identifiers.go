// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for ingestion-facing
// operations.
//
// This package contains validators for externally-sourced identifiers and
// values that end up in index keys, file paths, and query filters. Using
// these validators at the ingestion boundary keeps malformed or hostile
// input out of the store.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// identifierPattern matches valid site and region identifiers.
// Allows: letters, digits, hyphens, underscores.
// Max length: 50 characters.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)

// MaxRateKgPerH is the sanity ceiling for a single reading. Rates above it
// indicate a unit mix-up upstream, not a physical emission.
const MaxRateKgPerH = 1_000_000.0

// ValidateSiteID validates a site identifier.
//
// Valid site IDs:
//   - 1-50 characters
//   - Letters, digits, hyphens, underscores
//
// Returns an error if the site ID is invalid.
//
// Example:
//
//	if err := validation.ValidateSiteID(siteID); err != nil {
//	    return fmt.Errorf("invalid site: %w", err)
//	}
func ValidateSiteID(siteID string) error {
	if siteID == "" {
		return fmt.Errorf("site ID cannot be empty")
	}
	if !identifierPattern.MatchString(siteID) {
		return fmt.Errorf("invalid site ID: %q (must be 1-50 alphanumeric chars, hyphens, or underscores)", siteID)
	}
	return nil
}

// ValidateRegionID validates a region identifier using the same rules as
// site IDs.
func ValidateRegionID(regionID string) error {
	if regionID == "" {
		return fmt.Errorf("region ID cannot be empty")
	}
	if !identifierPattern.MatchString(regionID) {
		return fmt.Errorf("invalid region ID: %q (must be 1-50 alphanumeric chars, hyphens, or underscores)", regionID)
	}
	return nil
}

// ValidateRate validates an emission rate in kg/h.
//
// Rejects NaN, infinities, negative rates, and rates above MaxRateKgPerH.
func ValidateRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("emission rate must be finite, got %v", rate)
	}
	if rate < 0 {
		return fmt.Errorf("emission rate must be non-negative, got %v", rate)
	}
	if rate > MaxRateKgPerH {
		return fmt.Errorf("emission rate unrealistic (> %.0f kg/h): %v", MaxRateKgPerH, rate)
	}
	return nil
}

// SanitizeIdentifier normalizes and validates a site or region identifier.
// Returns the trimmed identifier if valid, or an error if invalid.
//
// Use this when reading identifiers from CSV cells or query parameters:
//
//	site, err := validation.SanitizeIdentifier(row["site_id"])
//	if err != nil {
//	    return err
//	}
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid identifier: %q (must be 1-50 alphanumeric chars, hyphens, or underscores)", trimmed)
	}
	return trimmed, nil
}
