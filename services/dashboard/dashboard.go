// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dashboard renders emission analytics as a styled terminal view.
package dashboard

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/openworld-energy/methane/services/analytics"
	"github.com/openworld-energy/methane/services/compliance"
	"github.com/openworld-energy/methane/services/store"
)

// OpenWorld palette - prairie sky blues and flare-stack amber
var (
	ColorSky    = lipgloss.Color("#4FB3E8") // headings
	ColorPra    = lipgloss.Color("#7FD1B9") // nominal values
	ColorAmber  = lipgloss.Color("#F4A63F") // elevated values, warnings
	ColorFlare  = lipgloss.Color("#E8543F") // violations, anomalies
	ColorSlate  = lipgloss.Color("#5C6B73") // muted text, borders
	ColorBright = lipgloss.Color("#EAF3F6") // emphasis
)

// Styles used by the dashboard renderer.
var Styles = struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Muted    lipgloss.Style
	Value    lipgloss.Style
	Warn     lipgloss.Style
	Alarm    lipgloss.Style
	Box      lipgloss.Style
	AlertBox lipgloss.Style
}{
	Title:  lipgloss.NewStyle().Bold(true).Foreground(ColorSky),
	Header: lipgloss.NewStyle().Foreground(ColorSky),
	Muted:  lipgloss.NewStyle().Foreground(ColorSlate),
	Value:  lipgloss.NewStyle().Foreground(ColorPra),
	Warn:   lipgloss.NewStyle().Foreground(ColorAmber),
	Alarm:  lipgloss.NewStyle().Bold(true).Foreground(ColorFlare),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorSlate).
		Padding(0, 1),
	AlertBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorFlare).
		Padding(0, 1),
}

// sparkTicks are the eight block characters used for sparklines, lowest
// to highest.
var sparkTicks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders values as a fixed-height block-character strip. An
// all-equal series renders flat at the lowest tick.
func Sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	var b strings.Builder
	for _, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkTicks)-1))
		}
		b.WriteRune(sparkTicks[idx])
	}
	return b.String()
}

// View is the data one render covers.
type View struct {
	Title      string
	Records    []store.EmissionRecord
	Buckets    []analytics.Bucket
	Anomalies  analytics.Report
	Violations []compliance.Violation
}

// Renderer writes dashboard views to a terminal.
//
// Styling is applied only when the destination is a TTY; piped output
// (CI, files) gets the same layout in plain text.
type Renderer struct {
	out    io.Writer
	styled bool
}

// NewRenderer builds a renderer for w. Styling is auto-detected when w is
// os.Stdout or os.Stderr, off otherwise.
func NewRenderer(w io.Writer) *Renderer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Renderer{out: w, styled: styled}
}

// ForceStyles overrides TTY detection, for tests and --color flags.
func (r *Renderer) ForceStyles(on bool) {
	r.styled = on
}

func (r *Renderer) render(style lipgloss.Style, s string) string {
	if !r.styled {
		return s
	}
	return style.Render(s)
}

// Render writes one full dashboard view.
func (r *Renderer) Render(v View) error {
	var b strings.Builder

	title := v.Title
	if title == "" {
		title = "Methane Emissions"
	}
	b.WriteString(r.render(Styles.Title, title))
	b.WriteString("\n\n")

	r.renderSummary(&b, v.Records)
	r.renderSites(&b, v.Records)
	r.renderTrend(&b, v.Buckets)
	r.renderAnomalies(&b, v.Anomalies)
	r.renderViolations(&b, v.Violations)

	_, err := io.WriteString(r.out, b.String())
	return err
}

func (r *Renderer) renderSummary(b *strings.Builder, records []store.EmissionRecord) {
	s := store.Summarize(records)
	fmt.Fprintf(b, "%s %s readings   %s %s kg/h mean   %s %s kg/h peak\n\n",
		r.render(Styles.Header, "Σ"), r.render(Styles.Value, fmt.Sprintf("%d", s.Count)),
		r.render(Styles.Header, "x̄"), r.render(Styles.Value, fmt.Sprintf("%.2f", s.Mean)),
		r.render(Styles.Header, "▲"), r.render(Styles.Value, fmt.Sprintf("%.2f", s.Max)))
}

// renderSites prints a per-site rollup with a sparkline of each site's
// readings in time order.
func (r *Renderer) renderSites(b *strings.Builder, records []store.EmissionRecord) {
	bySite := make(map[string][]float64)
	for _, rec := range records {
		bySite[rec.SiteID] = append(bySite[rec.SiteID], rec.RateKgPerH)
	}
	if len(bySite) == 0 {
		return
	}

	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	b.WriteString(r.render(Styles.Header, "Sites"))
	b.WriteString("\n")
	for _, site := range sites {
		values := bySite[site]
		s := store.Summarize(recordsFor(values))
		spark := Sparkline(tail(values, 24))
		fmt.Fprintf(b, "  %-20s %s  mean %s  max %s\n",
			site,
			r.render(Styles.Value, spark),
			r.render(Styles.Value, fmt.Sprintf("%7.2f", s.Mean)),
			r.render(Styles.Warn, fmt.Sprintf("%7.2f", s.Max)))
	}
	b.WriteString("\n")
}

func (r *Renderer) renderTrend(b *strings.Builder, buckets []analytics.Bucket) {
	if len(buckets) == 0 {
		return
	}
	means := make([]float64, len(buckets))
	for i, bk := range buckets {
		means[i] = bk.Mean
	}
	b.WriteString(r.render(Styles.Header, "Trend"))
	fmt.Fprintf(b, "  %s  %s to %s\n\n",
		r.render(Styles.Value, Sparkline(tail(means, 48))),
		buckets[0].WindowStart.Format("Jan 02 15:04"),
		buckets[len(buckets)-1].WindowEnd.Format("Jan 02 15:04"))
}

func (r *Renderer) renderAnomalies(b *strings.Builder, report analytics.Report) {
	if len(report.Anomalies) == 0 {
		return
	}
	header := fmt.Sprintf("Anomalies (%s)", report.Method)
	if report.Degraded {
		header += " [degraded]"
	}
	b.WriteString(r.render(Styles.Alarm, header))
	b.WriteString("\n")
	for _, a := range report.Anomalies {
		fmt.Fprintf(b, "  %s  %s  %.2f kg/h  score %s\n",
			a.Record.Timestamp.Format(time.RFC3339),
			a.Record.SiteID,
			a.Record.RateKgPerH,
			r.render(Styles.Alarm, fmt.Sprintf("%.1f", a.Score)))
	}
	b.WriteString("\n")
}

func (r *Renderer) renderViolations(b *strings.Builder, violations []compliance.Violation) {
	if len(violations) == 0 {
		return
	}
	var lines []string
	for _, v := range violations {
		status := r.render(Styles.Warn, v.Status)
		if v.Status == compliance.StatusOverdue {
			status = r.render(Styles.Alarm, v.Status)
		}
		lines = append(lines, fmt.Sprintf("%s  rule %s  peak %.2f kg/h  due %s  %s",
			v.SiteID, v.RuleID, v.PeakKgPerH,
			v.RemediationDueAt.Format("2006-01-02"), status))
	}
	content := r.render(Styles.Alarm, fmt.Sprintf("%d compliance violation(s)", len(violations))) +
		"\n" + strings.Join(lines, "\n")
	if r.styled {
		content = Styles.AlertBox.Render(content)
	}
	b.WriteString(content)
	b.WriteString("\n")
}

// recordsFor wraps bare rates so Summarize can be reused.
func recordsFor(values []float64) []store.EmissionRecord {
	records := make([]store.EmissionRecord, len(values))
	for i, v := range values {
		records[i].RateKgPerH = v
	}
	return records
}

func tail(values []float64, n int) []float64 {
	if len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
