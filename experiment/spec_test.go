// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func validSpec() *Spec {
	return &Spec{
		Name:         "checkout button color",
		TargetMetric: "conversion_rate",
		Variants: []VariantSpec{
			{Name: "control", IsControl: true, AllocationPercentage: 50},
			{Name: "treatment", AllocationPercentage: 50},
		},
	}
}

func TestSpec_Validate_OK(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestSpec_Validate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
		want   string
	}{
		{
			name:   "missing name",
			mutate: func(s *Spec) { s.Name = "" },
		},
		{
			name:   "missing target metric",
			mutate: func(s *Spec) { s.TargetMetric = "" },
		},
		{
			name:   "single variant",
			mutate: func(s *Spec) { s.Variants = s.Variants[:1] },
		},
		{
			name:   "no control",
			mutate: func(s *Spec) { s.Variants[0].IsControl = false },
			want:   "control",
		},
		{
			name: "two controls",
			mutate: func(s *Spec) {
				s.Variants[1].IsControl = true
			},
			want: "control",
		},
		{
			name: "allocations sum to 90",
			mutate: func(s *Spec) {
				s.Variants[1].AllocationPercentage = 40
			},
			want: "sum to 90",
		},
		{
			name: "zero allocation variant",
			mutate: func(s *Spec) {
				s.Variants[0].AllocationPercentage = 0
				s.Variants[1].AllocationPercentage = 100
			},
		},
		{
			name: "traffic percent above 100",
			mutate: func(s *Spec) {
				v := 120
				s.TrafficAllocationPercent = &v
			},
			want: "traffic_allocation_percent",
		},
		{
			name: "negative traffic percent",
			mutate: func(s *Spec) {
				v := -1
				s.TrafficAllocationPercent = &v
			},
			want: "traffic_allocation_percent",
		},
		{
			name:   "unknown allocation unit",
			mutate: func(s *Spec) { s.AllocationUnit = "household" },
			want:   "allocation unit",
		},
		{
			name: "oversized name",
			mutate: func(s *Spec) {
				s.Name = strings.Repeat("x", MaxNameBytes+1)
			},
		},
		{
			name: "oversized variant config",
			mutate: func(s *Spec) {
				s.Variants[1].Config = bytes.Repeat([]byte("a"), MaxConfigBytes+1)
			},
			want: "config exceeds",
		},
		{
			name: "bad guardrail threshold type",
			mutate: func(s *Spec) {
				s.Guardrails = []GuardrailSpec{
					{MetricName: "click_rate", ThresholdType: "between", ThresholdValue: 0.1},
				}
			},
			want: "threshold type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := spec.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error should wrap ErrValidation: %v", err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestSpec_Validate_ZeroTrafficIsValid(t *testing.T) {
	// 0 is a meaningful value: configured but admitting nobody.
	spec := validSpec()
	zero := 0
	spec.TrafficAllocationPercent = &zero
	if err := spec.Validate(); err != nil {
		t.Fatalf("0%% traffic should be valid: %v", err)
	}
}

func TestSpec_EffectiveTrafficPercent(t *testing.T) {
	spec := validSpec()
	if got := spec.EffectiveTrafficPercent(); got != 100 {
		t.Errorf("nil pointer should default to 100, got %d", got)
	}

	zero := 0
	spec.TrafficAllocationPercent = &zero
	if got := spec.EffectiveTrafficPercent(); got != 0 {
		t.Errorf("explicit 0 should stay 0, got %d", got)
	}
}

func TestSpec_EffectiveAllocationUnit(t *testing.T) {
	spec := validSpec()
	if got := spec.EffectiveAllocationUnit(); got != AllocationUnitUser {
		t.Errorf("empty unit should default to user, got %q", got)
	}

	spec.AllocationUnit = AllocationUnitSession
	if got := spec.EffectiveAllocationUnit(); got != AllocationUnitSession {
		t.Errorf("explicit session should stay session, got %q", got)
	}
}

// =============================================================================
// Event Validation
// =============================================================================

func validEvent() *Event {
	return &Event{
		ExperimentID: "exp-1",
		VariantID:    "var-1",
		UserID:       "user-1",
		Type:         EventClick,
		OccurredAt:   time.Now(),
	}
}

func TestValidateEvent_OK(t *testing.T) {
	if err := ValidateEvent(validEvent()); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestValidateEvent_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing experiment", func(e *Event) { e.ExperimentID = "" }},
		{"missing variant", func(e *Event) { e.VariantID = "" }},
		{"missing user", func(e *Event) { e.UserID = "" }},
		{"unknown type", func(e *Event) { e.Type = "pageview" }},
		{"rating without value", func(e *Event) { e.Type = EventRating; e.Value = nil }},
		{"oversized payload", func(e *Event) {
			e.Payload = bytes.Repeat([]byte("p"), MaxEventPayloadBytes+1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)
			err := ValidateEvent(ev)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error should wrap ErrValidation: %v", err)
			}
		})
	}
}

func TestValidateEvent_RatingWithValue(t *testing.T) {
	ev := validEvent()
	ev.Type = EventRating
	v := 4.5
	ev.Value = &v
	if err := ValidateEvent(ev); err != nil {
		t.Fatalf("rating with value rejected: %v", err)
	}
}

func TestValidateEvent_Nil(t *testing.T) {
	if err := ValidateEvent(nil); err == nil {
		t.Fatal("nil event should be rejected")
	}
}
