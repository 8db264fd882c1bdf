// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment defines the shared data model for the experimentation
// core: experiments, variants, sticky assignments, telemetry events,
// aggregated metric snapshots, and analysis results.
//
// The types here are storage-shaped. Behavior lives in the manager, tracker,
// and analyzer packages; this package only enforces structural invariants
// (spec validation, status transitions).
package experiment

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Status
// =============================================================================

// Status is the lifecycle state of an experiment.
//
// Valid transitions:
//
//	draft → running
//	running ↔ paused
//	running | paused → completed   (terminal)
//	draft | running | paused → archived   (terminal, soft delete)
//
// Completed and archived experiments never transition again. Archived
// experiments are hidden from active listings but remain queryable.
type Status string

const (
	// StatusDraft is the initial state. Assignment is disabled.
	StatusDraft Status = "draft"

	// StatusRunning accepts assignments and tracked events.
	StatusRunning Status = "running"

	// StatusPaused suspends assignment without losing state.
	StatusPaused Status = "paused"

	// StatusCompleted is terminal. Requires a winner and a conclusion.
	StatusCompleted Status = "completed"

	// StatusArchived is terminal. Soft delete; data stays queryable.
	StatusArchived Status = "archived"
)

// Valid returns true if s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// CanTransition reports whether the transition s → to is legal.
//
// Thread Safety: Stateless; safe for concurrent use.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusDraft:
		return to == StatusRunning || to == StatusArchived
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusArchived
	case StatusPaused:
		return to == StatusRunning || to == StatusCompleted || to == StatusArchived
	default:
		// completed and archived are terminal
		return false
	}
}

// =============================================================================
// Allocation Unit
// =============================================================================

// AllocationUnit determines the identity used for bucketing and for the
// denominator of per-unit rates.
type AllocationUnit string

const (
	// AllocationUnitUser buckets by stable user id.
	AllocationUnitUser AllocationUnit = "user"

	// AllocationUnitSession buckets by session id (re-randomized per session).
	AllocationUnitSession AllocationUnit = "session"
)

// Valid returns true if u is a known allocation unit.
func (u AllocationUnit) Valid() bool {
	return u == AllocationUnitUser || u == AllocationUnitSession
}

// =============================================================================
// Experiment and Variant
// =============================================================================

// Experiment is the root aggregate of the experimentation core.
//
// Invariants (enforced at creation, preserved by the manager):
//   - exactly one variant has IsControl=true
//   - variant allocation percentages sum to 100
//   - status transitions follow Status.CanTransition
type Experiment struct {
	// ID is the experiment's UUID.
	ID string `json:"id"`

	// Name is a short human-readable label.
	Name string `json:"name"`

	// Hypothesis states what the treatment is expected to improve.
	Hypothesis string `json:"hypothesis,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// TargetMetric is the primary metric the experiment is judged on
	// (e.g. "conversion_rate", "click_rate", "avg_rating").
	TargetMetric string `json:"target_metric"`

	// Guardrails are secondary-metric thresholds checked during analysis.
	Guardrails []GuardrailSpec `json:"guardrails,omitempty"`

	// AllocationUnit selects the bucketing identity (user or session).
	AllocationUnit AllocationUnit `json:"allocation_unit"`

	// TrafficAllocationPercent is the share of eligible units admitted to
	// the experiment at all, in [0,100]. Units outside it get no assignment.
	TrafficAllocationPercent int `json:"traffic_allocation_percent"`

	// Variants are the arms, control included. Canonical order is by ID.
	Variants []Variant `json:"variants"`

	// WinnerVariantID is set when the experiment completes.
	WinnerVariantID string `json:"winner_variant_id,omitempty"`

	// Conclusion is the human summary recorded at completion.
	Conclusion string `json:"conclusion,omitempty"`

	// CreatedAt is when the experiment was persisted.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is stamped by the first transition to running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is stamped on completion or archival.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// ControlVariant returns the control arm.
//
// Outputs:
//   - *Variant: The control, or nil if the stored experiment violates the
//     exactly-one-control invariant (never the case for experiments created
//     through the manager).
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given id, or nil if unknown.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant is one arm of an experiment.
type Variant struct {
	// ID is the variant's UUID.
	ID string `json:"id"`

	// ExperimentID is the owning experiment.
	ExperimentID string `json:"experiment_id"`

	// Name is a short label ("control", "treatment_a", ...).
	Name string `json:"name"`

	// IsControl marks the baseline arm. Exactly one per experiment.
	IsControl bool `json:"is_control"`

	// AllocationPercentage is this arm's share of admitted traffic.
	// All variants of an experiment sum to 100.
	AllocationPercentage int `json:"allocation_percentage"`

	// Config is an opaque payload handed to the consuming feature on
	// assignment. The core never interprets it.
	Config json.RawMessage `json:"config,omitempty"`
}

// =============================================================================
// Assignment
// =============================================================================

// Assignment records the sticky mapping of a unit to a variant.
//
// An assignment is immutable once created: repeated Assign calls for the same
// (experiment, user) return the stored row. Uniqueness on
// (ExperimentID, UserID) is enforced by the store.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// =============================================================================
// Events
// =============================================================================

// EventType classifies a tracked telemetry event.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
	EventRating     EventType = "rating"
	EventCustom     EventType = "custom"
)

// Valid returns true if t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventConversion, EventRating, EventCustom:
		return true
	default:
		return false
	}
}

// Event is one append-only telemetry record.
type Event struct {
	// ID is assigned by the tracker on acceptance.
	ID string `json:"id"`

	// ExperimentID and VariantID must reference a known experiment/variant.
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`

	// UserID is the unit that produced the event.
	UserID string `json:"user_id"`

	// Type is the event class.
	Type EventType `json:"event_type"`

	// Value carries the numeric payload for rating events (the rating) and
	// conversion events (revenue). Nil for events without a value.
	Value *float64 `json:"value,omitempty"`

	// OccurredAt is the client-observed event time.
	OccurredAt time.Time `json:"occurred_at"`

	// Payload is opaque context, stored but never interpreted.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// =============================================================================
// Aggregates
// =============================================================================

// VariantMetricSnapshot holds the accumulated counters for one variant.
//
// Snapshots are derived state: they only ever change by accumulation during a
// tracker flush and are never independently mutated or rebuilt by rescan.
type VariantMetricSnapshot struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`

	// Users is the count of distinct assigned units.
	Users int64 `json:"users"`

	Impressions int64 `json:"impressions"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`

	// RatingSum and RatingCount accumulate rating event values.
	RatingSum   float64 `json:"rating_sum"`
	RatingCount int64   `json:"rating_count"`

	// RevenueSum accumulates the numeric value of conversion events.
	RevenueSum float64 `json:"revenue_sum"`

	// UpdatedAt is the time of the last flush that touched this snapshot.
	UpdatedAt time.Time `json:"updated_at"`
}

// ClickRate returns clicks/impressions, or 0 when there are no impressions.
func (s *VariantMetricSnapshot) ClickRate() float64 {
	return safeRate(float64(s.Clicks), float64(s.Impressions))
}

// ConversionRate returns conversions over the denominator implied by the
// allocation unit: impressions for session-allocated experiments, distinct
// users otherwise. Returns 0 when the denominator is 0.
func (s *VariantMetricSnapshot) ConversionRate(unit AllocationUnit) float64 {
	if unit == AllocationUnitUser {
		return safeRate(float64(s.Conversions), float64(s.Users))
	}
	return safeRate(float64(s.Conversions), float64(s.Impressions))
}

// AvgRating returns rating_sum/rating_count, or 0 with no ratings.
func (s *VariantMetricSnapshot) AvgRating() float64 {
	return safeRate(s.RatingSum, float64(s.RatingCount))
}

// MetricValue returns the named derived metric for this snapshot.
//
// Known names: "click_rate", "conversion_rate", "avg_rating",
// "revenue_per_user". Unknown names return (0, false).
func (s *VariantMetricSnapshot) MetricValue(name string, unit AllocationUnit) (float64, bool) {
	switch name {
	case "click_rate":
		return s.ClickRate(), true
	case "conversion_rate":
		return s.ConversionRate(unit), true
	case "avg_rating":
		return s.AvgRating(), true
	case "revenue_per_user":
		return safeRate(s.RevenueSum, float64(s.Users)), true
	default:
		return 0, false
	}
}

// safeRate divides num by denom, returning 0 (never NaN or Inf) for a zero
// denominator.
func safeRate(num, denom float64) float64 {
	if denom == 0 {
		return 0
	}
	return num / denom
}

// =============================================================================
// Guardrails
// =============================================================================

// ThresholdType selects the direction of a guardrail threshold.
type ThresholdType string

const (
	// ThresholdMin flags values below the threshold.
	ThresholdMin ThresholdType = "min"

	// ThresholdMax flags values above the threshold.
	ThresholdMax ThresholdType = "max"
)

// Valid returns true if t is a known threshold type.
func (t ThresholdType) Valid() bool {
	return t == ThresholdMin || t == ThresholdMax
}

// GuardrailSpec declares a secondary-metric threshold for an experiment.
type GuardrailSpec struct {
	MetricName     string        `json:"metric_name" validate:"required"`
	ThresholdType  ThresholdType `json:"threshold_type" validate:"required"`
	ThresholdValue float64       `json:"threshold_value"`
}

// GuardrailCheck is the evaluated outcome of one guardrail for one variant.
type GuardrailCheck struct {
	MetricName     string        `json:"metric_name"`
	ThresholdType  ThresholdType `json:"threshold_type"`
	ThresholdValue float64       `json:"threshold_value"`
	VariantID      string        `json:"variant_id"`
	ObservedValue  float64       `json:"observed_value"`
	Violated       bool          `json:"violated"`
}

// =============================================================================
// Analysis Results
// =============================================================================

// ArmSummary is the sufficient-statistic summary of one arm.
type ArmSummary struct {
	VariantID string  `json:"variant_id"`
	N         int64   `json:"n"`
	Mean      float64 `json:"mean"`
	Variance  float64 `json:"variance"`
}

// FrequentistResult is the Welch's t-test outcome for control vs treatment.
type FrequentistResult struct {
	TStatistic       float64 `json:"t_statistic"`
	DegreesOfFreedom float64 `json:"degrees_of_freedom"`
	PValue           float64 `json:"p_value"`
	IsSignificant    bool    `json:"is_significant"`

	// CILower/CIUpper bound the treatment−control mean difference at the
	// requested confidence level.
	CILower float64 `json:"ci_lower"`
	CIUpper float64 `json:"ci_upper"`

	// EffectSize is the absolute difference treatment mean − control mean.
	EffectSize float64 `json:"effect_size"`

	// RelativeLift is EffectSize / control mean. Undefined (and
	// RelativeLiftValid=false) when the control mean is 0.
	RelativeLift      float64 `json:"relative_lift"`
	RelativeLiftValid bool    `json:"relative_lift_valid"`
}

// BayesianResult is the Monte-Carlo posterior comparison outcome.
type BayesianResult struct {
	// ProbabilityBetter is P(treatment > control) over posterior draws.
	ProbabilityBetter float64 `json:"probability_better"`

	// ExpectedLoss is the expected cost of the choice implied by
	// ProbabilityBetter, in the metric's units.
	ExpectedLoss float64 `json:"expected_loss"`

	// CredibleLower/CredibleUpper are the 2.5th/97.5th percentiles of the
	// sampled treatment−control difference.
	CredibleLower float64 `json:"credible_lower"`
	CredibleUpper float64 `json:"credible_upper"`

	// Draws is the number of Monte-Carlo samples per arm.
	Draws int `json:"draws"`
}

// Recommendation is the launch decision for a treatment.
type Recommendation string

const (
	// RecommendLaunch: significant positive lift, Bayesian agreement, and
	// clean guardrails.
	RecommendLaunch Recommendation = "LAUNCH"

	// RecommendStop: a proven regression. Overrides guardrail state.
	RecommendStop Recommendation = "STOP"

	// RecommendInvestigate: guardrail violation or the two methods disagree.
	RecommendInvestigate Recommendation = "INVESTIGATE"

	// RecommendContinue: insufficient signal; keep collecting.
	RecommendContinue Recommendation = "CONTINUE"
)

// Confidence labels how far the evidence sits from the decision thresholds.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AnalysisResult is one immutable analysis run. Results are append-only; the
// "current" analysis of an experiment is the latest by AnalyzedAt.
type AnalysisResult struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	MetricName   string `json:"metric_name"`

	Control   ArmSummary `json:"control"`
	Treatment ArmSummary `json:"treatment"`

	// InsufficientData marks a run where either arm was below the minimum
	// sample size. Statistical fields are zero-valued in that case.
	InsufficientData bool `json:"insufficient_data"`

	Frequentist *FrequentistResult `json:"frequentist,omitempty"`
	Bayesian    *BayesianResult    `json:"bayesian,omitempty"`

	GuardrailChecks []GuardrailCheck `json:"guardrail_checks,omitempty"`

	Recommendation Recommendation `json:"recommendation"`
	Confidence     Confidence     `json:"confidence"`

	AnalyzedAt time.Time `json:"analyzed_at"`
}
