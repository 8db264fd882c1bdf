// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the persistence contract of the experimentation core.
//
// Two implementations ship with the module:
//
//	store/memory      - mutex-guarded in-process store (tests, embedded use)
//	store/badgerstore - BadgerDB-backed store (local durable deployments)
//
// Both honor the same contract:
//   - experiment + variants insert is atomic (partial variant sets are never
//     visible)
//   - assignments are insert-if-absent on (experiment_id, user_id); the
//     losing writer of a race receives the winning row, not an error
//   - events are append-only
//   - snapshots change only by accumulation
//   - analysis results are append-only history
package store

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianExperiments/experiment"
)

// SnapshotDelta is the accumulated change a flush applies to one variant's
// metric snapshot. All fields are additive.
type SnapshotDelta struct {
	Impressions int64
	Clicks      int64
	Conversions int64
	RatingSum   float64
	RatingCount int64
	RevenueSum  float64
}

// Add folds another delta into d.
func (d *SnapshotDelta) Add(o SnapshotDelta) {
	d.Impressions += o.Impressions
	d.Clicks += o.Clicks
	d.Conversions += o.Conversions
	d.RatingSum += o.RatingSum
	d.RatingCount += o.RatingCount
	d.RevenueSum += o.RevenueSum
}

// SnapshotKey identifies one variant's snapshot.
type SnapshotKey struct {
	ExperimentID string
	VariantID    string
}

// Store is the persistence collaborator of the experimentation core.
//
// Implementations must be safe for concurrent use. Lookup misses return
// errors wrapping experiment.ErrNotFound; retryable write failures return
// errors wrapping experiment.ErrTransientStorage.
type Store interface {
	// CreateExperiment persists an experiment and its variants as one
	// atomic unit.
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error

	// GetExperiment returns the experiment with the given id.
	GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error)

	// ListExperiments returns all experiments. Archived experiments are
	// excluded unless includeArchived is set.
	ListExperiments(ctx context.Context, includeArchived bool) ([]*experiment.Experiment, error)

	// UpdateExperiment replaces the stored experiment row (status, winner,
	// conclusion, timestamps). Variants are immutable after creation.
	UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error

	// CreateAssignment inserts the assignment if no row exists for its
	// (experiment_id, user_id) key and returns the stored row either way.
	// A winning insert also increments the variant snapshot's distinct
	// user count. The second return is true when this call won the insert.
	CreateAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error)

	// GetAssignment returns the sticky assignment for a unit, or an
	// ErrNotFound-wrapping error when the unit was never assigned.
	GetAssignment(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error)

	// ApplyFlush appends a batch of raw events and folds the corresponding
	// snapshot deltas, as one logical transaction: a crash persists the
	// whole batch or none of it.
	ApplyFlush(ctx context.Context, events []experiment.Event, deltas map[SnapshotKey]SnapshotDelta, now time.Time) error

	// ListEvents returns the raw events of an experiment, optionally
	// filtered by type (empty type matches all), in append order.
	ListEvents(ctx context.Context, experimentID string, eventType experiment.EventType) ([]experiment.Event, error)

	// GetSnapshot returns one variant's accumulated counters. A variant
	// with no flushed events yields a zero-valued snapshot, not an error.
	GetSnapshot(ctx context.Context, experimentID, variantID string) (*experiment.VariantMetricSnapshot, error)

	// ListSnapshots returns the snapshots of every variant in an
	// experiment, in canonical variant-id order.
	ListSnapshots(ctx context.Context, experimentID string) ([]*experiment.VariantMetricSnapshot, error)

	// AppendAnalysis appends an immutable analysis result.
	AppendAnalysis(ctx context.Context, res *experiment.AnalysisResult) error

	// LatestAnalysis returns the newest analysis result for an experiment
	// and metric, by AnalyzedAt.
	LatestAnalysis(ctx context.Context, experimentID, metricName string) (*experiment.AnalysisResult, error)

	// ListAnalyses returns the full append-only analysis history for an
	// experiment, oldest first.
	ListAnalyses(ctx context.Context, experimentID string) ([]*experiment.AnalysisResult, error)
}
