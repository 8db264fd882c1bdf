// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager implements experiment lifecycle and sticky assignment.
//
// The manager owns the status state machine and the assignment orchestration,
// delegating persistence to a store.Store and bucketing to
// experiment/hashing. It holds no mutable state of its own: every invariant
// is enforced through the store, so any number of manager instances can run
// against the same store.
package manager

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/experiment/hashing"
	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/store"
)

// =============================================================================
// Manager
// =============================================================================

// Manager drives experiment lifecycle and assignment.
//
// Thread Safety: Safe for concurrent use. The manager is stateless; races on
// first assignment are resolved by the store's insert-if-absent.
type Manager struct {
	store  store.Store
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock injects a time source. Tests use a fixed clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager backed by the given store.
func New(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Default().With("component", "manager")
	}
	return m
}

// =============================================================================
// Creation
// =============================================================================

// Create validates the spec and persists the experiment with its variants
// as one atomic unit.
//
// Inputs:
//   - ctx: Cancellation context.
//   - role: Caller's role from the auth collaborator. Must be a managing role.
//   - spec: The experiment definition.
//
// Outputs:
//   - *experiment.Experiment: The persisted experiment in draft status.
//   - error: Wraps ErrPermission for non-managing roles, ErrValidation for a
//     malformed spec.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Create(ctx context.Context, role experiment.Role, spec *experiment.Spec) (*experiment.Experiment, error) {
	if !role.CanManage() {
		return nil, experiment.ErrPermission
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	exp := &experiment.Experiment{
		ID:                       uuid.NewString(),
		Name:                     spec.Name,
		Hypothesis:               spec.Hypothesis,
		Status:                   experiment.StatusDraft,
		TargetMetric:             spec.TargetMetric,
		Guardrails:               spec.Guardrails,
		AllocationUnit:           spec.EffectiveAllocationUnit(),
		TrafficAllocationPercent: spec.EffectiveTrafficPercent(),
		CreatedAt:                m.now(),
	}

	exp.Variants = make([]experiment.Variant, len(spec.Variants))
	for i := range spec.Variants {
		vs := &spec.Variants[i]
		exp.Variants[i] = experiment.Variant{
			ID:                   uuid.NewString(),
			ExperimentID:         exp.ID,
			Name:                 vs.Name,
			IsControl:            vs.IsControl,
			AllocationPercentage: vs.AllocationPercentage,
			Config:               vs.Config,
		}
	}
	// Canonical order for the bucket walk.
	sort.Slice(exp.Variants, func(i, j int) bool {
		return exp.Variants[i].ID < exp.Variants[j].ID
	})

	if err := m.store.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}

	m.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"variants", len(exp.Variants),
		"traffic_percent", exp.TrafficAllocationPercent,
	)
	return exp, nil
}

// Get returns an experiment by id.
func (m *Manager) Get(ctx context.Context, id string) (*experiment.Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

// List returns experiments, hiding archived ones unless requested.
func (m *Manager) List(ctx context.Context, includeArchived bool) ([]*experiment.Experiment, error) {
	return m.store.ListExperiments(ctx, includeArchived)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start transitions draft → running.
func (m *Manager) Start(ctx context.Context, role experiment.Role, id string) (*experiment.Experiment, error) {
	return m.transition(ctx, role, id, experiment.StatusRunning, nil)
}

// Pause transitions running → paused.
func (m *Manager) Pause(ctx context.Context, role experiment.Role, id string) (*experiment.Experiment, error) {
	return m.transition(ctx, role, id, experiment.StatusPaused, nil)
}

// Resume transitions paused → running.
func (m *Manager) Resume(ctx context.Context, role experiment.Role, id string) (*experiment.Experiment, error) {
	return m.transition(ctx, role, id, experiment.StatusRunning, func(exp *experiment.Experiment) error {
		if exp.Status != experiment.StatusPaused {
			return experiment.InvalidStateErrorf("resume requires paused, experiment %s is %s", id, exp.Status)
		}
		return nil
	})
}

// Complete transitions running|paused → completed, recording the winner and
// conclusion.
//
// Outputs:
//   - error: Wraps ErrValidation when the winner is missing/unknown or the
//     conclusion is empty; ErrInvalidState for an illegal transition.
func (m *Manager) Complete(ctx context.Context, role experiment.Role, id, winnerVariantID, conclusion string) (*experiment.Experiment, error) {
	return m.transition(ctx, role, id, experiment.StatusCompleted, func(exp *experiment.Experiment) error {
		if winnerVariantID == "" {
			return experiment.ValidationErrorf("complete requires a winner_variant_id")
		}
		if exp.Variant(winnerVariantID) == nil {
			return experiment.ValidationErrorf("winner variant %s does not belong to experiment %s", winnerVariantID, id)
		}
		if conclusion == "" {
			return experiment.ValidationErrorf("complete requires a non-empty conclusion")
		}
		exp.WinnerVariantID = winnerVariantID
		exp.Conclusion = conclusion
		return nil
	})
}

// Archive soft-deletes from any non-terminal state.
func (m *Manager) Archive(ctx context.Context, role experiment.Role, id string) (*experiment.Experiment, error) {
	return m.transition(ctx, role, id, experiment.StatusArchived, nil)
}

// transition loads, validates, mutates, stamps, and persists one lifecycle
// step. The prepare hook runs after the generic legality check and may apply
// transition-specific validation and mutation.
//
// Re-invoking a transition that already happened is a rejected no-op
// (ErrInvalidState), never a crash: completed/archived are terminal and
// running → running is not a legal edge.
func (m *Manager) transition(
	ctx context.Context,
	role experiment.Role,
	id string,
	to experiment.Status,
	prepare func(*experiment.Experiment) error,
) (*experiment.Experiment, error) {
	if !role.CanManage() {
		return nil, experiment.ErrPermission
	}

	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	if !exp.Status.CanTransition(to) {
		return nil, experiment.InvalidStateErrorf("cannot transition experiment %s from %s to %s", id, exp.Status, to)
	}
	if prepare != nil {
		if err := prepare(exp); err != nil {
			return nil, err
		}
	}

	from := exp.Status
	now := m.now()
	exp.Status = to
	switch to {
	case experiment.StatusRunning:
		if exp.StartedAt == nil {
			exp.StartedAt = &now
		}
	case experiment.StatusCompleted, experiment.StatusArchived:
		exp.EndedAt = &now
	}

	if err := m.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, err
	}

	m.logger.Info("experiment transitioned",
		"experiment_id", id,
		"from", string(from),
		"to", string(to),
	)
	return exp, nil
}

// =============================================================================
// Assignment
// =============================================================================

// Assign resolves the sticky variant for a unit.
//
// Description:
//
//	Returns nil (not an error) when the experiment is not running or the
//	unit falls outside the traffic allocation. Otherwise returns the
//	existing assignment, or computes the deterministic bucket, walks the
//	variants in canonical id order, and persists the result. Two
//	concurrent first-assign calls for the same unit converge on one row
//	via the store's insert-if-absent.
//
// Inputs:
//   - ctx: Cancellation context.
//   - experimentID: The experiment to assign within.
//   - userID: The unit id (user or session per the allocation unit).
//
// Outputs:
//   - *experiment.Assignment: The sticky assignment, or nil when the unit
//     is not admitted.
//   - error: Store failures or unknown experiment.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Assign(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error) {
	if userID == "" {
		return nil, experiment.ValidationErrorf("assign requires a user id")
	}

	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	if exp.Status != experiment.StatusRunning {
		return nil, nil
	}
	if !hashing.InTraffic(userID, experimentID, exp.TrafficAllocationPercent) {
		return nil, nil
	}

	// Sticky fast path.
	if existing, err := m.store.GetAssignment(ctx, experimentID, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, experiment.ErrNotFound) {
		return nil, err
	}

	variant, err := m.bucketVariant(exp, userID)
	if err != nil {
		return nil, err
	}

	assignment := &experiment.Assignment{
		ExperimentID: experimentID,
		UserID:       userID,
		VariantID:    variant.ID,
		AssignedAt:   m.now(),
	}
	stored, created, err := m.store.CreateAssignment(ctx, assignment)
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Debug("assignment created",
			"experiment_id", experimentID,
			"variant_id", variant.ID,
		)
	}
	return stored, nil
}

// GetAssignment returns the existing sticky assignment without creating one.
func (m *Manager) GetAssignment(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error) {
	return m.store.GetAssignment(ctx, experimentID, userID)
}

// VariantConfig returns the opaque config blob of a unit's assigned variant,
// for handoff to the consuming feature.
func (m *Manager) VariantConfig(ctx context.Context, experimentID, userID string) ([]byte, error) {
	a, err := m.store.GetAssignment(ctx, experimentID, userID)
	if err != nil {
		return nil, err
	}
	exp, err := m.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	v := exp.Variant(a.VariantID)
	if v == nil {
		return nil, experiment.NotFoundErrorf("variant %s in experiment %s", a.VariantID, experimentID)
	}
	return v.Config, nil
}

// bucketVariant walks variants in canonical id order, accumulating
// allocation ranges until the unit's bucket falls inside one. Allocations
// sum to 100 and buckets live in [0,100), so the walk always lands.
func (m *Manager) bucketVariant(exp *experiment.Experiment, userID string) (*experiment.Variant, error) {
	variants := make([]experiment.Variant, len(exp.Variants))
	copy(variants, exp.Variants)
	sort.Slice(variants, func(i, j int) bool { return variants[i].ID < variants[j].ID })

	h := hashing.Bucket(userID, exp.ID)
	cumulative := 0
	for i := range variants {
		cumulative += variants[i].AllocationPercentage
		if h < cumulative {
			return exp.Variant(variants[i].ID), nil
		}
	}
	// Unreachable for experiments that passed spec validation.
	return nil, experiment.ValidationErrorf("experiment %s allocations do not cover bucket %d", exp.ID, h)
}
