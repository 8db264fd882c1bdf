// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testExperiment(id string) *experiment.Experiment {
	return &experiment.Experiment{
		ID:                       id,
		Name:                     "badger test",
		Status:                   experiment.StatusDraft,
		TargetMetric:             "conversion_rate",
		AllocationUnit:           experiment.AllocationUnitUser,
		TrafficAllocationPercent: 100,
		Variants: []experiment.Variant{
			{ID: id + "-control", ExperimentID: id, Name: "control", IsControl: true, AllocationPercentage: 50},
			{ID: id + "-treatment", ExperimentID: id, Name: "treatment", AllocationPercentage: 50},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestStore_ExperimentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := testExperiment("exp-1")

	require.NoError(t, s.CreateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, exp.Name, got.Name)
	assert.Len(t, got.Variants, 2)
	assert.True(t, got.Variants[0].IsControl)
}

func TestStore_CreateExperiment_Duplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateExperiment(ctx, testExperiment("exp-1")))
	err := s.CreateExperiment(ctx, testExperiment("exp-1"))
	assert.ErrorIs(t, err, experiment.ErrValidation)
}

func TestStore_GetExperiment_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetExperiment(context.Background(), "missing")
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

func TestStore_ListExperiments_HidesArchived(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	archived := testExperiment("exp-archived")
	archived.Status = experiment.StatusArchived
	require.NoError(t, s.CreateExperiment(ctx, testExperiment("exp-active")))
	require.NoError(t, s.CreateExperiment(ctx, archived))

	visible, err := s.ListExperiments(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "exp-active", visible[0].ID)

	all, err := s.ListExperiments(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_UpdateExperiment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := testExperiment("exp-1")
	require.NoError(t, s.CreateExperiment(ctx, exp))

	exp.Status = experiment.StatusRunning
	require.NoError(t, s.UpdateExperiment(ctx, exp))

	got, err := s.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, got.Status)
}

func TestStore_UpdateExperiment_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateExperiment(context.Background(), testExperiment("ghost"))
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

// =============================================================================
// Assignments
// =============================================================================

func TestStore_CreateAssignment_InsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateAssignment(ctx, &experiment.Assignment{
		ExperimentID: "exp-1", UserID: "user-1", VariantID: "var-a", AssignedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "var-a", first.VariantID)

	second, created, err := s.CreateAssignment(ctx, &experiment.Assignment{
		ExperimentID: "exp-1", UserID: "user-1", VariantID: "var-b", AssignedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "var-a", second.VariantID)
}

func TestStore_CreateAssignment_CountsDistinctUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, _, err := s.CreateAssignment(ctx, &experiment.Assignment{
			ExperimentID: "exp-1", UserID: fmt.Sprintf("user-%d", i), VariantID: "var-a",
		})
		require.NoError(t, err)
	}
	_, _, err := s.CreateAssignment(ctx, &experiment.Assignment{
		ExperimentID: "exp-1", UserID: "user-0", VariantID: "var-a",
	})
	require.NoError(t, err)

	snap, err := s.GetSnapshot(ctx, "exp-1", "var-a")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Users)
}

func TestStore_CreateAssignment_ConcurrentSameUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const racers = 20
	results := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a, _, err := s.CreateAssignment(ctx, &experiment.Assignment{
				ExperimentID: "exp-race",
				UserID:       "user-1",
				VariantID:    fmt.Sprintf("var-%d", n),
			})
			if err != nil {
				t.Error(err)
				return
			}
			results[n] = a.VariantID
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0], results[i], "racer %d saw a different variant", i)
	}

	snap, err := s.GetSnapshot(ctx, "exp-race", results[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Users)
}

// =============================================================================
// Flush, Events, Snapshots
// =============================================================================

func TestStore_ApplyFlush_Atomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	key := store.SnapshotKey{ExperimentID: "exp-1", VariantID: "var-a"}

	rating := 4.0
	events := []experiment.Event{
		{ID: "e1", ExperimentID: "exp-1", VariantID: "var-a", UserID: "u1", Type: experiment.EventImpression, OccurredAt: now},
		{ID: "e2", ExperimentID: "exp-1", VariantID: "var-a", UserID: "u1", Type: experiment.EventRating, Value: &rating, OccurredAt: now},
	}
	deltas := map[store.SnapshotKey]store.SnapshotDelta{
		key: {Impressions: 1, RatingSum: rating, RatingCount: 1},
	}
	require.NoError(t, s.ApplyFlush(ctx, events, deltas, now))

	snap, err := s.GetSnapshot(ctx, "exp-1", "var-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Impressions)
	assert.Equal(t, int64(1), snap.RatingCount)
	assert.InDelta(t, 4.0, snap.RatingSum, 1e-9)

	stored, err := s.ListEvents(ctx, "exp-1", "")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestStore_ApplyFlush_AccumulatesAcrossFlushes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := store.SnapshotKey{ExperimentID: "exp-1", VariantID: "var-a"}

	for i := 0; i < 3; i++ {
		require.NoError(t, s.ApplyFlush(ctx, nil, map[store.SnapshotKey]store.SnapshotDelta{
			key: {Clicks: 2},
		}, time.Now().UTC()))
	}

	snap, err := s.GetSnapshot(ctx, "exp-1", "var-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Clicks)
}

func TestStore_ListEvents_FiltersByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []experiment.Event{
		{ID: "e1", ExperimentID: "exp-1", VariantID: "v", UserID: "u", Type: experiment.EventClick, OccurredAt: now},
		{ID: "e2", ExperimentID: "exp-1", VariantID: "v", UserID: "u", Type: experiment.EventImpression, OccurredAt: now},
		{ID: "e3", ExperimentID: "exp-1", VariantID: "v", UserID: "u", Type: experiment.EventClick, OccurredAt: now},
	}
	require.NoError(t, s.ApplyFlush(ctx, events, nil, now))

	clicks, err := s.ListEvents(ctx, "exp-1", experiment.EventClick)
	require.NoError(t, err)
	assert.Len(t, clicks, 2)

	all, err := s.ListEvents(ctx, "exp-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_GetSnapshot_ZeroValuedWhenUnflushed(t *testing.T) {
	s := openTestStore(t)
	snap, err := s.GetSnapshot(context.Background(), "exp-1", "var-untouched")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Impressions)
	assert.Equal(t, "var-untouched", snap.VariantID)
}

func TestStore_ListSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateExperiment(ctx, testExperiment("exp-1")))

	require.NoError(t, s.ApplyFlush(ctx, nil, map[store.SnapshotKey]store.SnapshotDelta{
		{ExperimentID: "exp-1", VariantID: "exp-1-treatment"}: {Impressions: 5},
	}, time.Now().UTC()))

	snaps, err := s.ListSnapshots(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "exp-1-control", snaps[0].VariantID)
	assert.Equal(t, int64(0), snaps[0].Impressions)
	assert.Equal(t, "exp-1-treatment", snaps[1].VariantID)
	assert.Equal(t, int64(5), snaps[1].Impressions)
}

func TestStore_ListSnapshots_SortsUnorderedVariants(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := testExperiment("exp-1")
	exp.Variants = []experiment.Variant{
		{ID: "exp-1-c", ExperimentID: "exp-1", Name: "variant_c", AllocationPercentage: 30},
		{ID: "exp-1-a", ExperimentID: "exp-1", Name: "control", IsControl: true, AllocationPercentage: 40},
		{ID: "exp-1-b", ExperimentID: "exp-1", Name: "variant_b", AllocationPercentage: 30},
	}
	require.NoError(t, s.CreateExperiment(ctx, exp))

	snaps, err := s.ListSnapshots(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, "exp-1-a", snaps[0].VariantID)
	assert.Equal(t, "exp-1-b", snaps[1].VariantID)
	assert.Equal(t, "exp-1-c", snaps[2].VariantID)
}

// =============================================================================
// Analyses
// =============================================================================

func TestStore_AnalysisHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAnalysis(ctx, &experiment.AnalysisResult{
			ID:           fmt.Sprintf("ana-%d", i),
			ExperimentID: "exp-1",
			MetricName:   "conversion_rate",
			AnalyzedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err := s.LatestAnalysis(ctx, "exp-1", "conversion_rate")
	require.NoError(t, err)
	assert.Equal(t, "ana-2", latest.ID)

	history, err := s.ListAnalyses(ctx, "exp-1")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestStore_LatestAnalysis_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LatestAnalysis(context.Background(), "exp-none", "conversion_rate")
	assert.ErrorIs(t, err, experiment.ErrNotFound)
}

// =============================================================================
// Durability
// =============================================================================

func TestStore_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()

	s, err := Open(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.CreateExperiment(ctx, testExperiment("exp-durable")))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetExperiment(ctx, "exp-durable")
	require.NoError(t, err)
	assert.Equal(t, "badger test", got.Name)
}
