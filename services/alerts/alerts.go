// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package alerts delivers compliance violations to operators.
//
// An Alerter consumes violations produced by the compliance evaluator and
// pushes them somewhere a human will see: a Slack channel, an inbox, or
// the log in dry-run mode. Delivery is best-effort per violation; one
// failed delivery does not abort the batch.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/openworld-energy/methane/pkg/logging"
	"github.com/openworld-energy/methane/services/compliance"
)

// Alerter delivers a batch of violations.
type Alerter interface {
	// Alert delivers the violations. Implementations report the first
	// delivery failure but should attempt every violation.
	Alert(ctx context.Context, violations []compliance.Violation) error

	// Name identifies the channel for logging.
	Name() string
}

// message renders one violation for a human reader.
func message(v compliance.Violation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Methane compliance violation at site %s (%s)\n", v.SiteID, v.RegionID)
	fmt.Fprintf(&b, "Rule %s: threshold %.2f kg/h exceeded, peak %.2f kg/h over %d reading(s)\n",
		v.RuleID, v.ThresholdKgPerH, v.PeakKgPerH, v.RecordCount)
	fmt.Fprintf(&b, "Breach window: %s to %s\n",
		v.FirstBreachAt.Format(time.RFC3339), v.LastBreachAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Remediation due: %s (%s)",
		v.RemediationDueAt.Format(time.RFC3339), v.Status)
	return b.String()
}

// ---------------------------------------------------------------------------
// Dry run
// ---------------------------------------------------------------------------

// DryRunAlerter logs violations instead of delivering them.
type DryRunAlerter struct {
	Logger *logging.Logger
}

func (a *DryRunAlerter) Name() string { return "dry-run" }

func (a *DryRunAlerter) Alert(ctx context.Context, violations []compliance.Violation) error {
	log := a.Logger
	if log == nil {
		log = logging.Default()
	}
	for _, v := range violations {
		log.Warn("compliance violation (dry run)",
			"violation_id", v.ViolationID,
			"site_id", v.SiteID,
			"rule_id", v.RuleID,
			"peak_kg_per_h", v.PeakKgPerH,
			"remediation_due_at", v.RemediationDueAt.Format(time.RFC3339),
			"status", v.Status)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Slack
// ---------------------------------------------------------------------------

// SlackAlerter posts violations to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string

	// Client defaults to a 10s-timeout http.Client.
	Client *http.Client
}

func (a *SlackAlerter) Name() string { return "slack" }

func (a *SlackAlerter) Alert(ctx context.Context, violations []compliance.Violation) error {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	var firstErr error
	for _, v := range violations {
		if err := a.post(ctx, client, v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *SlackAlerter) post(ctx context.Context, client *http.Client, v compliance.Violation) error {
	payload, err := json.Marshal(map[string]string{"text": message(v)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver slack alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Email
// ---------------------------------------------------------------------------

// EmailAlerter sends violations over SMTP, one mail per batch.
type EmailAlerter struct {
	Host string
	Port int
	From string
	To   string

	// Auth is optional; nil sends unauthenticated (internal relays).
	Auth smtp.Auth
}

func (a *EmailAlerter) Name() string { return "email" }

func (a *EmailAlerter) Alert(ctx context.Context, violations []compliance.Violation) error {
	if len(violations) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", a.From)
	fmt.Fprintf(&body, "To: %s\r\n", a.To)
	fmt.Fprintf(&body, "Subject: %d methane compliance violation(s)\r\n", len(violations))
	body.WriteString("\r\n")
	for i, v := range violations {
		if i > 0 {
			body.WriteString("\r\n---\r\n")
		}
		body.WriteString(message(v))
		body.WriteString("\r\n")
	}

	addr := fmt.Sprintf("%s:%d", a.Host, a.Port)
	if err := smtp.SendMail(addr, a.Auth, a.From, []string{a.To}, []byte(body.String())); err != nil {
		return fmt.Errorf("deliver email alert: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// MultiAlerter delivers through every configured channel.
type MultiAlerter struct {
	Alerters []Alerter
	Logger   *logging.Logger
}

func (a *MultiAlerter) Name() string { return "multi" }

// Alert delivers to every channel, logging per-channel failures. Returns
// the first failure after all channels have been attempted.
func (a *MultiAlerter) Alert(ctx context.Context, violations []compliance.Violation) error {
	log := a.Logger
	if log == nil {
		log = logging.Default()
	}

	var firstErr error
	for _, alerter := range a.Alerters {
		if err := alerter.Alert(ctx, violations); err != nil {
			log.Error("alert delivery failed", "channel", alerter.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", alerter.Name(), err)
			}
		}
	}
	return firstErr
}
