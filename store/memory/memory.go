// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides the in-process Store implementation.
//
// All state lives behind one RWMutex. Values are copied on the way in and
// out, so callers can never alias stored state. Used by tests and by
// embedded deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/store"
)

// assignmentKey is the uniqueness key for sticky assignments.
type assignmentKey struct {
	experimentID string
	userID       string
}

// Store is a mutex-guarded in-memory implementation of store.Store.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	experiments map[string]*experiment.Experiment
	assignments map[assignmentKey]*experiment.Assignment
	events      map[string][]experiment.Event // keyed by experiment id
	snapshots   map[store.SnapshotKey]*experiment.VariantMetricSnapshot
	analyses    map[string][]*experiment.AnalysisResult // keyed by experiment id
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		experiments: make(map[string]*experiment.Experiment),
		assignments: make(map[assignmentKey]*experiment.Assignment),
		events:      make(map[string][]experiment.Event),
		snapshots:   make(map[store.SnapshotKey]*experiment.VariantMetricSnapshot),
		analyses:    make(map[string][]*experiment.AnalysisResult),
	}
}

var _ store.Store = (*Store)(nil)

// CreateExperiment persists the experiment and its variants atomically.
func (s *Store) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; ok {
		return experiment.ValidationErrorf("experiment %s already exists", exp.ID)
	}
	s.experiments[exp.ID] = copyExperiment(exp)
	return nil
}

// GetExperiment returns the experiment with the given id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return nil, experiment.NotFoundErrorf("experiment %s", id)
	}
	return copyExperiment(exp), nil
}

// ListExperiments returns all experiments, newest first by creation time.
func (s *Store) ListExperiments(ctx context.Context, includeArchived bool) ([]*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*experiment.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		if exp.Status == experiment.StatusArchived && !includeArchived {
			continue
		}
		out = append(out, copyExperiment(exp))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateExperiment replaces the stored experiment row.
func (s *Store) UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiments[exp.ID]; !ok {
		return experiment.NotFoundErrorf("experiment %s", exp.ID)
	}
	s.experiments[exp.ID] = copyExperiment(exp)
	return nil
}

// CreateAssignment inserts the assignment if absent and returns the stored
// row. The insert-if-absent under one lock is what resolves concurrent
// first-assign races: the loser observes the winner's row.
func (s *Store) CreateAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey{experimentID: a.ExperimentID, userID: a.UserID}
	if existing, ok := s.assignments[key]; ok {
		cp := *existing
		return &cp, false, nil
	}

	cp := *a
	s.assignments[key] = &cp

	// A winning insert is the one place the distinct-user counter moves.
	snap := s.snapshotLocked(a.ExperimentID, a.VariantID)
	snap.Users++

	out := cp
	return &out, true, nil
}

// GetAssignment returns the sticky assignment for a unit.
func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[assignmentKey{experimentID: experimentID, userID: userID}]
	if !ok {
		return nil, experiment.NotFoundErrorf("assignment for user %s in experiment %s", userID, experimentID)
	}
	cp := *a
	return &cp, nil
}

// ApplyFlush appends events and folds snapshot deltas under one lock, so a
// concurrent reader never observes events without their counters.
func (s *Store) ApplyFlush(ctx context.Context, events []experiment.Event, deltas map[store.SnapshotKey]store.SnapshotDelta, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		s.events[ev.ExperimentID] = append(s.events[ev.ExperimentID], ev)
	}
	for key, d := range deltas {
		snap := s.snapshotLocked(key.ExperimentID, key.VariantID)
		snap.Impressions += d.Impressions
		snap.Clicks += d.Clicks
		snap.Conversions += d.Conversions
		snap.RatingSum += d.RatingSum
		snap.RatingCount += d.RatingCount
		snap.RevenueSum += d.RevenueSum
		snap.UpdatedAt = now
	}
	return nil
}

// ListEvents returns an experiment's events in append order.
func (s *Store) ListEvents(ctx context.Context, experimentID string, eventType experiment.EventType) ([]experiment.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []experiment.Event
	for _, ev := range s.events[experimentID] {
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetSnapshot returns one variant's counters. Unflushed variants yield a
// zero-valued snapshot.
func (s *Store) GetSnapshot(ctx context.Context, experimentID, variantID string) (*experiment.VariantMetricSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap, ok := s.snapshots[store.SnapshotKey{ExperimentID: experimentID, VariantID: variantID}]; ok {
		cp := *snap
		return &cp, nil
	}
	return &experiment.VariantMetricSnapshot{ExperimentID: experimentID, VariantID: variantID}, nil
}

// ListSnapshots returns every variant's snapshot in variant-id order.
func (s *Store) ListSnapshots(ctx context.Context, experimentID string) ([]*experiment.VariantMetricSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	exp, ok := s.experiments[experimentID]
	if !ok {
		s.mu.RUnlock()
		return nil, experiment.NotFoundErrorf("experiment %s", experimentID)
	}

	out := make([]*experiment.VariantMetricSnapshot, 0, len(exp.Variants))
	for i := range exp.Variants {
		key := store.SnapshotKey{ExperimentID: experimentID, VariantID: exp.Variants[i].ID}
		if snap, ok := s.snapshots[key]; ok {
			cp := *snap
			out = append(out, &cp)
		} else {
			out = append(out, &experiment.VariantMetricSnapshot{
				ExperimentID: experimentID,
				VariantID:    exp.Variants[i].ID,
			})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

// AppendAnalysis appends an immutable analysis result.
func (s *Store) AppendAnalysis(ctx context.Context, res *experiment.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyAnalysis(res)
	s.analyses[res.ExperimentID] = append(s.analyses[res.ExperimentID], cp)
	return nil
}

// LatestAnalysis returns the newest result for an experiment and metric.
func (s *Store) LatestAnalysis(ctx context.Context, experimentID, metricName string) (*experiment.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *experiment.AnalysisResult
	for _, res := range s.analyses[experimentID] {
		if metricName != "" && res.MetricName != metricName {
			continue
		}
		if latest == nil || res.AnalyzedAt.After(latest.AnalyzedAt) {
			latest = res
		}
	}
	if latest == nil {
		return nil, experiment.NotFoundErrorf("analysis for experiment %s metric %q", experimentID, metricName)
	}
	return copyAnalysis(latest), nil
}

// ListAnalyses returns the full analysis history, oldest first.
func (s *Store) ListAnalyses(ctx context.Context, experimentID string) ([]*experiment.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.analyses[experimentID]
	out := make([]*experiment.AnalysisResult, len(history))
	for i, res := range history {
		out[i] = copyAnalysis(res)
	}
	return out, nil
}

// snapshotLocked returns the mutable snapshot for a key, creating it on
// first touch. Caller must hold the write lock.
func (s *Store) snapshotLocked(experimentID, variantID string) *experiment.VariantMetricSnapshot {
	key := store.SnapshotKey{ExperimentID: experimentID, VariantID: variantID}
	snap, ok := s.snapshots[key]
	if !ok {
		snap = &experiment.VariantMetricSnapshot{
			ExperimentID: experimentID,
			VariantID:    variantID,
		}
		s.snapshots[key] = snap
	}
	return snap
}

// -----------------------------------------------------------------------------
// Copy helpers
// -----------------------------------------------------------------------------

func copyExperiment(exp *experiment.Experiment) *experiment.Experiment {
	cp := *exp
	cp.Variants = make([]experiment.Variant, len(exp.Variants))
	copy(cp.Variants, exp.Variants)
	cp.Guardrails = make([]experiment.GuardrailSpec, len(exp.Guardrails))
	copy(cp.Guardrails, exp.Guardrails)
	if exp.StartedAt != nil {
		t := *exp.StartedAt
		cp.StartedAt = &t
	}
	if exp.EndedAt != nil {
		t := *exp.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func copyAnalysis(res *experiment.AnalysisResult) *experiment.AnalysisResult {
	cp := *res
	if res.Frequentist != nil {
		f := *res.Frequentist
		cp.Frequentist = &f
	}
	if res.Bayesian != nil {
		b := *res.Bayesian
		cp.Bayesian = &b
	}
	cp.GuardrailChecks = make([]experiment.GuardrailCheck, len(res.GuardrailChecks))
	copy(cp.GuardrailChecks, res.GuardrailChecks)
	return &cp
}
