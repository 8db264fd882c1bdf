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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/store"
)

// =============================================================================
// Key Scheme
// =============================================================================
//
// All values are JSON. Keys are prefix-partitioned per record family so each
// family can be scanned independently:
//
//	exp:<experiment_id>                         Experiment (variants inline)
//	asg:<experiment_id>:<user_id>               Assignment
//	evt:<experiment_id>:<nanos>:<event_id>      Event (append order by key)
//	snap:<experiment_id>:<variant_id>           VariantMetricSnapshot
//	ana:<experiment_id>:<nanos>:<analysis_id>   AnalysisResult
//
// The inline variant slice keeps the experiment+variants insert trivially
// atomic: one key, one value.

const (
	prefixExperiment = "exp:"
	prefixAssignment = "asg:"
	prefixEvent      = "evt:"
	prefixSnapshot   = "snap:"
	prefixAnalysis   = "ana:"
)

// assignRetries bounds optimistic-transaction retries on conflicting
// first-assign races before giving up.
const assignRetries = 5

func experimentKey(id string) []byte {
	return []byte(prefixExperiment + id)
}

func assignmentKey(experimentID, userID string) []byte {
	return []byte(prefixAssignment + experimentID + ":" + userID)
}

func eventKey(experimentID string, at time.Time, eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixEvent, experimentID, at.UnixNano(), eventID))
}

func snapshotKey(experimentID, variantID string) []byte {
	return []byte(prefixSnapshot + experimentID + ":" + variantID)
}

func analysisKey(experimentID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixAnalysis, experimentID, at.UnixNano(), id))
}

// =============================================================================
// Store
// =============================================================================

// Store is the BadgerDB-backed implementation of store.Store.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions provide
// snapshot isolation, and write conflicts are retried or surfaced as
// transient errors.
type Store struct {
	db *badger.DB
	gc *gcRunner
}

// Open opens a badger-backed store with the given configuration.
//
// Outputs:
//   - *Store: The opened store. Caller must Close() it.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		s.gc.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)

// CreateExperiment persists the experiment and its inline variants as one key.
func (s *Store) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		key := experimentKey(exp.ID)
		if _, err := txn.Get(key); err == nil {
			return experiment.ValidationErrorf("experiment %s already exists", exp.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, exp)
	})
	return wrapStorageErr(err)
}

// GetExperiment returns the experiment with the given id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exp experiment.Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, experimentKey(id), &exp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, experiment.NotFoundErrorf("experiment %s", id)
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return &exp, nil
}

// ListExperiments scans the experiment prefix.
func (s *Store) ListExperiments(ctx context.Context, includeArchived bool) ([]*experiment.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*experiment.Experiment
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixExperiment, func(val []byte) error {
			var exp experiment.Experiment
			if err := json.Unmarshal(val, &exp); err != nil {
				return err
			}
			if exp.Status == experiment.StatusArchived && !includeArchived {
				return nil
			}
			out = append(out, &exp)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return out, nil
}

// UpdateExperiment replaces the stored experiment row.
func (s *Store) UpdateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		key := experimentKey(exp.ID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return experiment.NotFoundErrorf("experiment %s", exp.ID)
		} else if err != nil {
			return err
		}
		return setJSON(txn, key, exp)
	})
	return wrapStorageErr(err)
}

// CreateAssignment inserts the assignment if absent. Two first-assign calls
// racing on the same key produce a transaction conflict; the loser retries
// and reads the winner's row.
func (s *Store) CreateAssignment(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	var (
		stored  experiment.Assignment
		created bool
	)

	for attempt := 0; attempt < assignRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		created = false
		err := s.db.Update(func(txn *badger.Txn) error {
			key := assignmentKey(a.ExperimentID, a.UserID)
			err := getJSON(txn, key, &stored)
			if err == nil {
				return nil // sticky: keep the existing row
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if err := setJSON(txn, key, a); err != nil {
				return err
			}

			// Winning insert moves the distinct-user counter in the
			// same transaction.
			var snap experiment.VariantMetricSnapshot
			skey := snapshotKey(a.ExperimentID, a.VariantID)
			if err := getJSON(txn, skey, &snap); errors.Is(err, badger.ErrKeyNotFound) {
				snap = experiment.VariantMetricSnapshot{
					ExperimentID: a.ExperimentID,
					VariantID:    a.VariantID,
				}
			} else if err != nil {
				return err
			}
			snap.Users++
			if err := setJSON(txn, skey, &snap); err != nil {
				return err
			}

			stored = *a
			created = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, wrapStorageErr(err)
		}
		cp := stored
		return &cp, created, nil
	}
	return nil, false, fmt.Errorf("%w: assignment insert conflicted %d times", experiment.ErrTransientStorage, assignRetries)
}

// GetAssignment returns the sticky assignment for a unit.
func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (*experiment.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var a experiment.Assignment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, assignmentKey(experimentID, userID), &a)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, experiment.NotFoundErrorf("assignment for user %s in experiment %s", userID, experimentID)
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return &a, nil
}

// ApplyFlush appends events and folds snapshot deltas in one transaction:
// the batch commits whole or not at all.
func (s *Store) ApplyFlush(ctx context.Context, events []experiment.Event, deltas map[store.SnapshotKey]store.SnapshotDelta, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for i := range events {
			ev := &events[i]
			// Offset keeps intra-batch key order stable.
			key := eventKey(ev.ExperimentID, now.Add(time.Duration(i)), ev.ID)
			if err := setJSON(txn, key, ev); err != nil {
				return err
			}
		}
		for skey, d := range deltas {
			var snap experiment.VariantMetricSnapshot
			key := snapshotKey(skey.ExperimentID, skey.VariantID)
			if err := getJSON(txn, key, &snap); errors.Is(err, badger.ErrKeyNotFound) {
				snap = experiment.VariantMetricSnapshot{
					ExperimentID: skey.ExperimentID,
					VariantID:    skey.VariantID,
				}
			} else if err != nil {
				return err
			}
			snap.Impressions += d.Impressions
			snap.Clicks += d.Clicks
			snap.Conversions += d.Conversions
			snap.RatingSum += d.RatingSum
			snap.RatingCount += d.RatingCount
			snap.RevenueSum += d.RevenueSum
			snap.UpdatedAt = now
			if err := setJSON(txn, key, &snap); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStorageErr(err)
}

// ListEvents scans an experiment's event prefix in key (append) order.
func (s *Store) ListEvents(ctx context.Context, experimentID string, eventType experiment.EventType) ([]experiment.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []experiment.Event
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixEvent+experimentID+":", func(val []byte) error {
			var ev experiment.Event
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			if eventType != "" && ev.Type != eventType {
				return nil
			}
			out = append(out, ev)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return out, nil
}

// GetSnapshot returns one variant's counters, zero-valued when unflushed.
func (s *Store) GetSnapshot(ctx context.Context, experimentID, variantID string) (*experiment.VariantMetricSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap experiment.VariantMetricSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, snapshotKey(experimentID, variantID), &snap)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &experiment.VariantMetricSnapshot{ExperimentID: experimentID, VariantID: variantID}, nil
	}
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return &snap, nil
}

// ListSnapshots returns every variant's snapshot in variant-id order.
func (s *Store) ListSnapshots(ctx context.Context, experimentID string) ([]*experiment.VariantMetricSnapshot, error) {
	exp, err := s.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	out := make([]*experiment.VariantMetricSnapshot, 0, len(exp.Variants))
	for i := range exp.Variants {
		snap, err := s.GetSnapshot(ctx, experimentID, exp.Variants[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	// Variant-id order, matching the canonical bucket walk.
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

// AppendAnalysis appends an immutable analysis result.
func (s *Store) AppendAnalysis(ctx context.Context, res *experiment.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, analysisKey(res.ExperimentID, res.AnalyzedAt, res.ID), res)
	})
	return wrapStorageErr(err)
}

// LatestAnalysis returns the newest result for an experiment and metric.
// Analysis keys sort by timestamp, so the last matching entry wins.
func (s *Store) LatestAnalysis(ctx context.Context, experimentID, metricName string) (*experiment.AnalysisResult, error) {
	history, err := s.ListAnalyses(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if metricName == "" || history[i].MetricName == metricName {
			return history[i], nil
		}
	}
	return nil, experiment.NotFoundErrorf("analysis for experiment %s metric %q", experimentID, metricName)
}

// ListAnalyses returns the append-only history, oldest first.
func (s *Store) ListAnalyses(ctx context.Context, experimentID string) ([]*experiment.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*experiment.AnalysisResult
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixAnalysis+experimentID+":", func(val []byte) error {
			var res experiment.AnalysisResult
			if err := json.Unmarshal(val, &res); err != nil {
				return err
			}
			out = append(out, &res)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

// wrapStorageErr classifies badger failures as transient unless they are
// already caller-fault errors from our own taxonomy.
func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, experiment.ErrValidation) ||
		errors.Is(err, experiment.ErrNotFound) ||
		errors.Is(err, experiment.ErrInvalidState) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", experiment.ErrTransientStorage, err)
}
