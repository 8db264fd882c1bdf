// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the inbound creation spec for experiments and its
// validation rules. Stored entity types live in types.go.

package experiment

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxVariantsPerExperiment bounds the number of arms.
	MaxVariantsPerExperiment = 20

	// MaxNameBytes bounds experiment and variant names.
	MaxNameBytes = 256

	// MaxConfigBytes bounds the opaque variant config payload. The core
	// passes configs through uninterpreted, so the only protection against
	// memory exhaustion is a byte cap.
	MaxConfigBytes = 64 * 1024 // 64KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// specValidate is the validator instance for experiment specs.
// Initialized in init() with custom validators.
var specValidate *validator.Validate

func init() {
	specValidate = validator.New()

	_ = specValidate.RegisterValidation("maxbytes", validateNameBytes)
	_ = specValidate.RegisterValidation("eventtype", validateEventType)
}

// validateNameBytes checks byte length (not rune count) against MaxNameBytes.
func validateNameBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxNameBytes
}

// validateEventType checks a string field against the EventType enum.
func validateEventType(fl validator.FieldLevel) bool {
	return EventType(fl.Field().String()).Valid()
}

// =============================================================================
// Creation Spec
// =============================================================================

// Spec is the inbound definition of a new experiment.
//
// # Validation
//
// Uses go-playground/validator for structural rules, plus cross-field checks
// that tags cannot express:
//   - at least 2 variants, at most MaxVariantsPerExperiment
//   - exactly one variant with IsControl=true
//   - variant allocation percentages summing to exactly 100
//   - TrafficAllocationPercent in [0,100]
//   - TargetMetric present
//
// A failed check returns an error wrapping ErrValidation.
type Spec struct {
	// Name is a short label. Required, ≤256 bytes.
	Name string `json:"name" validate:"required,maxbytes"`

	// Hypothesis is optional free text.
	Hypothesis string `json:"hypothesis,omitempty"`

	// TargetMetric is the primary decision metric. Required.
	TargetMetric string `json:"target_metric" validate:"required"`

	// Guardrails are optional secondary-metric thresholds.
	Guardrails []GuardrailSpec `json:"guardrails,omitempty" validate:"dive"`

	// AllocationUnit defaults to user when empty.
	AllocationUnit AllocationUnit `json:"allocation_unit,omitempty"`

	// TrafficAllocationPercent defaults to 100 when the field is omitted
	// from JSON (pointer nil). 0 is a meaningful value: the experiment is
	// configured but admits nobody.
	TrafficAllocationPercent *int `json:"traffic_allocation_percent,omitempty"`

	// Variants define the arms. Required, 2..20 entries.
	Variants []VariantSpec `json:"variants" validate:"required,min=2,max=20,dive"`
}

// VariantSpec is the inbound definition of one arm.
type VariantSpec struct {
	// Name is a short label. Required, ≤256 bytes.
	Name string `json:"name" validate:"required,maxbytes"`

	// IsControl marks the baseline arm.
	IsControl bool `json:"is_control"`

	// AllocationPercentage is this arm's share of admitted traffic, in
	// (0,100].
	AllocationPercentage int `json:"allocation_percentage" validate:"gt=0,lte=100"`

	// Config is the opaque payload handed downstream on assignment.
	Config json.RawMessage `json:"config,omitempty"`
}

// Validate checks the spec against all structural and cross-field rules.
//
// Outputs:
//   - error: Non-nil (wrapping ErrValidation) on the first failed rule.
//
// Thread Safety: Safe for concurrent use.
func (s *Spec) Validate() error {
	if err := specValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if s.AllocationUnit != "" && !s.AllocationUnit.Valid() {
		return ValidationErrorf("unknown allocation unit %q", s.AllocationUnit)
	}

	if s.TrafficAllocationPercent != nil {
		if p := *s.TrafficAllocationPercent; p < 0 || p > 100 {
			return ValidationErrorf("traffic_allocation_percent %d outside [0,100]", p)
		}
	}

	controls := 0
	allocation := 0
	for i := range s.Variants {
		v := &s.Variants[i]
		if v.IsControl {
			controls++
		}
		allocation += v.AllocationPercentage
		if len(v.Config) > MaxConfigBytes {
			return ValidationErrorf("variant %q config exceeds %d bytes", v.Name, MaxConfigBytes)
		}
	}
	if controls != 1 {
		return ValidationErrorf("expected exactly 1 control variant, got %d", controls)
	}
	if allocation != 100 {
		return ValidationErrorf("variant allocations sum to %d, want 100", allocation)
	}

	for i := range s.Guardrails {
		if !s.Guardrails[i].ThresholdType.Valid() {
			return ValidationErrorf("guardrail %q has unknown threshold type %q",
				s.Guardrails[i].MetricName, s.Guardrails[i].ThresholdType)
		}
	}

	return nil
}

// EffectiveTrafficPercent resolves the traffic allocation default.
func (s *Spec) EffectiveTrafficPercent() int {
	if s.TrafficAllocationPercent == nil {
		return 100
	}
	return *s.TrafficAllocationPercent
}

// EffectiveAllocationUnit resolves the allocation unit default.
func (s *Spec) EffectiveAllocationUnit() AllocationUnit {
	if s.AllocationUnit == "" {
		return AllocationUnitUser
	}
	return s.AllocationUnit
}

// =============================================================================
// Event Validation
// =============================================================================

// MaxEventPayloadBytes bounds the opaque event payload.
const MaxEventPayloadBytes = 32 * 1024 // 32KB

// ValidateEvent checks the structural rules for an inbound event. Referential
// checks (known experiment/variant) belong to the tracker, which has store
// access.
func ValidateEvent(ev *Event) error {
	if ev == nil {
		return ValidationErrorf("nil event")
	}
	if ev.ExperimentID == "" {
		return ValidationErrorf("event missing experiment_id")
	}
	if ev.VariantID == "" {
		return ValidationErrorf("event missing variant_id")
	}
	if ev.UserID == "" {
		return ValidationErrorf("event missing user_id")
	}
	if !ev.Type.Valid() {
		return ValidationErrorf("unknown event type %q", ev.Type)
	}
	if ev.Type == EventRating && ev.Value == nil {
		return ValidationErrorf("rating event requires a value")
	}
	if len(ev.Payload) > MaxEventPayloadBytes {
		return ValidationErrorf("event payload exceeds %d bytes", MaxEventPayloadBytes)
	}
	return nil
}
