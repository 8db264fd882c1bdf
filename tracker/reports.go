// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the read-side reports computed over flushed snapshots:
// derived metrics, funnel analysis, and guardrail evaluation. Nothing here
// is stored; every rate is recomputed from counters on read.

package tracker

import (
	"context"

	"github.com/AleutianAI/AleutianExperiments/experiment"
)

// -----------------------------------------------------------------------------
// Derived Metrics
// -----------------------------------------------------------------------------

// VariantReport is the derived view of one variant's counters.
//
// Every rate returns 0 (never NaN, never an error) when its denominator
// is 0.
type VariantReport struct {
	VariantID string `json:"variant_id"`

	Users       int64 `json:"users"`
	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`

	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
	AvgRating      float64 `json:"avg_rating"`
	RevenueSum     float64 `json:"revenue_sum"`
}

// Report computes the derived metrics for every variant of an experiment.
//
// Thread Safety: Safe for concurrent use; reads only flushed snapshots, so
// it trails live traffic by at most the flush interval.
func (t *Tracker) Report(ctx context.Context, experimentID string) ([]VariantReport, error) {
	exp, err := t.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	snaps, err := t.store.ListSnapshots(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	out := make([]VariantReport, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, VariantReport{
			VariantID:      s.VariantID,
			Users:          s.Users,
			Impressions:    s.Impressions,
			Clicks:         s.Clicks,
			Conversions:    s.Conversions,
			ClickRate:      s.ClickRate(),
			ConversionRate: s.ConversionRate(exp.AllocationUnit),
			AvgRating:      s.AvgRating(),
			RevenueSum:     s.RevenueSum,
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Funnel Analysis
// -----------------------------------------------------------------------------

// FunnelReport is the impression→click→conversion funnel of one variant.
// Each stage rate is guarded identically against division by zero.
type FunnelReport struct {
	VariantID string `json:"variant_id"`

	// ImpressionToClick is clicks/impressions.
	ImpressionToClick float64 `json:"impression_to_click"`

	// ClickToConversion is conversions/clicks.
	ClickToConversion float64 `json:"click_to_conversion"`

	// ImpressionToConversion is conversions/impressions.
	ImpressionToConversion float64 `json:"impression_to_conversion"`
}

// Funnel computes the conversion funnel for every variant.
func (t *Tracker) Funnel(ctx context.Context, experimentID string) ([]FunnelReport, error) {
	snaps, err := t.store.ListSnapshots(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	out := make([]FunnelReport, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, FunnelReport{
			VariantID:              s.VariantID,
			ImpressionToClick:      rate(s.Clicks, s.Impressions),
			ClickToConversion:      rate(s.Conversions, s.Clicks),
			ImpressionToConversion: rate(s.Conversions, s.Impressions),
		})
	}
	return out, nil
}

func rate(num, denom int64) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}

// -----------------------------------------------------------------------------
// Guardrails
// -----------------------------------------------------------------------------

// GuardrailReport is the evaluated guardrail state of an experiment.
type GuardrailReport struct {
	// Checks holds one entry per (guardrail, variant) pair.
	Checks []experiment.GuardrailCheck `json:"checks"`

	// HasViolations is the OR over all checks.
	HasViolations bool `json:"has_violations"`
}

// CheckGuardrails evaluates every configured guardrail against every
// variant's observed value.
//
// With more than two variants, every variant — control included — is
// evaluated against every guardrail: a guardrail states an absolute floor
// or ceiling for the experiment, not a relative comparison, so any arm can
// trip it.
func (t *Tracker) CheckGuardrails(ctx context.Context, experimentID string) (*GuardrailReport, error) {
	exp, err := t.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	snaps, err := t.store.ListSnapshots(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return EvaluateGuardrails(exp, snaps), nil
}

// EvaluateGuardrails is the pure evaluation over loaded state. The analyzer
// reuses it so an analysis run evaluates the same snapshots it tests.
func EvaluateGuardrails(exp *experiment.Experiment, snaps []*experiment.VariantMetricSnapshot) *GuardrailReport {
	report := &GuardrailReport{}
	for _, g := range exp.Guardrails {
		for _, s := range snaps {
			observed, known := s.MetricValue(g.MetricName, exp.AllocationUnit)
			if !known {
				continue
			}
			violated := (g.ThresholdType == experiment.ThresholdMin && observed < g.ThresholdValue) ||
				(g.ThresholdType == experiment.ThresholdMax && observed > g.ThresholdValue)
			report.Checks = append(report.Checks, experiment.GuardrailCheck{
				MetricName:     g.MetricName,
				ThresholdType:  g.ThresholdType,
				ThresholdValue: g.ThresholdValue,
				VariantID:      s.VariantID,
				ObservedValue:  observed,
				Violated:       violated,
			})
			if violated {
				report.HasViolations = true
			}
		}
	}
	return report
}
