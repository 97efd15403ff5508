// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultDueDays is the remediation grace period when a rule leaves it
// unset.
const DefaultDueDays = 7

// ThresholdRule is one compliance policy: readings strictly above
// ThresholdKgPerH for a contiguous run constitute a violation with a
// remediation deadline DueDays after the first breach.
type ThresholdRule struct {
	RuleID          string  `json:"rule_id" yaml:"rule_id"`
	ThresholdKgPerH float64 `json:"threshold_kg_per_h" yaml:"threshold_kg_per_h"`
	DueDays         int     `json:"remediation_due_days" yaml:"remediation_due_days"`

	// Description is informational only, surfaced in reports.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks that the rule is usable.
func (r ThresholdRule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("rule is missing rule_id")
	}
	if r.ThresholdKgPerH <= 0 {
		return fmt.Errorf("rule %s: threshold_kg_per_h must be positive, got %v", r.RuleID, r.ThresholdKgPerH)
	}
	if r.DueDays < 0 {
		return fmt.Errorf("rule %s: remediation_due_days must not be negative, got %d", r.RuleID, r.DueDays)
	}
	return nil
}

// ruleFile is the on-disk shape shared by JSON and YAML rule files.
type ruleFile struct {
	Rules []ThresholdRule `json:"rules" yaml:"rules"`
}

// LoadRules reads threshold rules from a JSON or YAML file, selected by
// extension (.json, .yaml, .yml). Rules without an explicit grace period
// get DefaultDueDays. Every rule is validated; a file with no rules is an
// error.
func LoadRules(path string) ([]ThresholdRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rf ruleFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse rules file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("parse rules file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules file extension %q (want .json, .yaml, or .yml)", ext)
	}

	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	for i := range rf.Rules {
		if rf.Rules[i].DueDays == 0 {
			rf.Rules[i].DueDays = DefaultDueDays
		}
		if err := rf.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return rf.Rules, nil
}
