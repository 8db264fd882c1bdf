// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianExperiments/experiment"
)

func TestRecommend(t *testing.T) {
	tests := []struct {
		name string
		s    Signals
		want experiment.Recommendation
	}{
		{
			name: "insufficient data continues",
			s:    Signals{InsufficientData: true, IsSignificant: true, RelativeLift: 0.5, RelativeLiftValid: true, ProbabilityBetter: 0.99},
			want: experiment.RecommendContinue,
		},
		{
			name: "clear win launches",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: 0.25, RelativeLiftValid: true, ProbabilityBetter: 0.99, Alpha: 0.05},
			want: experiment.RecommendLaunch,
		},
		{
			name: "proven regression stops",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: -0.10, RelativeLiftValid: true, ProbabilityBetter: 0.01, Alpha: 0.05},
			want: experiment.RecommendStop,
		},
		{
			name: "regression stops even with guardrail violation",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: -0.10, RelativeLiftValid: true, ProbabilityBetter: 0.01, GuardrailViolated: true, Alpha: 0.05},
			want: experiment.RecommendStop,
		},
		{
			name: "guardrail violation blocks launch",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: 0.25, RelativeLiftValid: true, ProbabilityBetter: 0.99, GuardrailViolated: true, Alpha: 0.05},
			want: experiment.RecommendInvestigate,
		},
		{
			name: "guardrail violation without significance investigates",
			s:    Signals{PValue: 0.40, IsSignificant: false, RelativeLift: 0.02, RelativeLiftValid: true, ProbabilityBetter: 0.6, GuardrailViolated: true, Alpha: 0.05},
			want: experiment.RecommendInvestigate,
		},
		{
			name: "methods disagree investigates",
			s:    Signals{PValue: 0.03, IsSignificant: true, RelativeLift: 0.10, RelativeLiftValid: true, ProbabilityBetter: 0.70, Alpha: 0.05},
			want: experiment.RecommendInvestigate,
		},
		{
			name: "agreement below launch bar continues",
			s:    Signals{PValue: 0.03, IsSignificant: true, RelativeLift: 0.10, RelativeLiftValid: true, ProbabilityBetter: 0.90, Alpha: 0.05},
			want: experiment.RecommendContinue,
		},
		{
			name: "posterior exactly at launch bar launches",
			s:    Signals{PValue: 0.01, IsSignificant: true, RelativeLift: 0.10, RelativeLiftValid: true, ProbabilityBetter: 0.95, Alpha: 0.05},
			want: experiment.RecommendLaunch,
		},
		{
			name: "not significant continues",
			s:    Signals{PValue: 0.30, RelativeLift: 0.05, RelativeLiftValid: true, ProbabilityBetter: 0.85, Alpha: 0.05},
			want: experiment.RecommendContinue,
		},
		{
			name: "invalid lift never launches",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: 0, RelativeLiftValid: false, ProbabilityBetter: 0.99, Alpha: 0.05},
			want: experiment.RecommendContinue,
		},
		{
			name: "invalid lift never stops",
			s:    Signals{PValue: 0.001, IsSignificant: true, RelativeLift: 0, RelativeLiftValid: false, ProbabilityBetter: 0.01, Alpha: 0.05},
			want: experiment.RecommendContinue,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recommend(tc.s))
		})
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		s    Signals
		want experiment.Confidence
	}{
		{
			name: "insufficient data is low",
			s:    Signals{InsufficientData: true, PValue: 0.0001, ProbabilityBetter: 0.999},
			want: experiment.ConfidenceLow,
		},
		{
			// pMargin = (0.05-0.001)/0.05 = 0.98, bMargin = 0.98.
			name: "strong agreement is high",
			s:    Signals{PValue: 0.001, ProbabilityBetter: 0.99, Alpha: 0.05},
			want: experiment.ConfidenceHigh,
		},
		{
			// pMargin = 0.98 but bMargin = 0.4: the weaker signal rules.
			name: "weak posterior drags down strong p-value",
			s:    Signals{PValue: 0.001, ProbabilityBetter: 0.70, Alpha: 0.05},
			want: experiment.ConfidenceLow,
		},
		{
			// pMargin = (0.05-0.02)/0.05 = 0.6, bMargin = 0.7.
			name: "moderate evidence is medium",
			s:    Signals{PValue: 0.02, ProbabilityBetter: 0.85, Alpha: 0.05},
			want: experiment.ConfidenceMedium,
		},
		{
			name: "p-value above alpha is low",
			s:    Signals{PValue: 0.20, ProbabilityBetter: 0.99, Alpha: 0.05},
			want: experiment.ConfidenceLow,
		},
		{
			// A near-certain regression: ProbabilityBetter 0.01 still
			// sits far from indifference, so the margin stays high.
			name: "confident regression is high",
			s:    Signals{PValue: 0.001, ProbabilityBetter: 0.01, Alpha: 0.05},
			want: experiment.ConfidenceHigh,
		},
		{
			name: "zero alpha falls back to default",
			s:    Signals{PValue: 0.001, ProbabilityBetter: 0.99, Alpha: 0},
			want: experiment.ConfidenceHigh,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Confidence(tc.s))
		})
	}
}
