// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing provides the deterministic bucketing primitive behind
// sticky variant assignment.
//
// Buckets are a pure function of their string inputs: the same
// (user, experiment) pair lands in the same bucket across processes,
// restarts, and machines. FNV-1a 64 is used because it is stable across Go
// versions (unlike maphash) and cheap enough for the assignment hot path;
// cryptographic strength is not a requirement here.
package hashing

import "hash/fnv"

// BucketCount is the resolution of all buckets. Allocation percentages are
// integers, so 100 buckets map 1:1 onto percentage ranges.
const BucketCount = 100

// trafficSalt separates the admission decision from variant selection so the
// two are independent: a user admitted at 50% traffic is not biased toward
// any variant bucket.
const trafficSalt = "traffic"

// Bucket returns the variant bucket in [0,100) for a unit in an experiment.
//
// Inputs:
//   - userID: Stable unit identifier (user or session id).
//   - experimentID: The experiment's id. Salting by experiment id keeps a
//     user's buckets independent across experiments.
//
// Outputs:
//   - int: Bucket in [0, BucketCount).
//
// Thread Safety: Stateless; safe for concurrent use.
func Bucket(userID, experimentID string) int {
	return bucket(userID, experimentID, "")
}

// TrafficBucket returns the admission bucket in [0,100) for a unit.
//
// A unit participates in the experiment only when its traffic bucket falls
// below the experiment's traffic allocation percent.
func TrafficBucket(userID, experimentID string) int {
	return bucket(userID, experimentID, trafficSalt)
}

// InTraffic reports whether a unit is admitted at the given allocation.
//
// Edge cases: percent ≤ 0 admits nobody; percent ≥ 100 admits everybody.
func InTraffic(userID, experimentID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	return TrafficBucket(userID, experimentID) < percent
}

func bucket(userID, experimentID, salt string) int {
	h := fnv.New64a()
	// Write never fails for fnv.
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(experimentID))
	if salt != "" {
		_, _ = h.Write([]byte{':'})
		_, _ = h.Write([]byte(salt))
	}
	return int(h.Sum64() % BucketCount)
}
