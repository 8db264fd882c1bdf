// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestCompareBeta_NullResult(t *testing.T) {
	cmp, err := CompareBeta(100, 1000, 100, 1000, UniformPrior(), DefaultDraws, testRand())
	require.NoError(t, err)

	// Identical arms: roughly a coin flip, difference straddles zero.
	assert.InDelta(t, 0.5, cmp.ProbabilityBetter, 0.05)
	assert.Less(t, cmp.CredibleLower, 0.0)
	assert.Greater(t, cmp.CredibleUpper, 0.0)
	assert.Equal(t, DefaultDraws, cmp.Draws)
}

func TestCompareBeta_ClearWinner(t *testing.T) {
	cmp, err := CompareBeta(400, 10_000, 600, 10_000, UniformPrior(), DefaultDraws, testRand())
	require.NoError(t, err)

	assert.Greater(t, cmp.ProbabilityBetter, 0.95)
	assert.Greater(t, cmp.CredibleLower, 0.0)
	// Credible interval should bracket the true +2pp difference.
	assert.Less(t, cmp.CredibleLower, 0.02)
	assert.Greater(t, cmp.CredibleUpper, 0.02)
	// Committing to a near-certain winner costs almost nothing.
	assert.Less(t, cmp.ExpectedLoss, 0.001)
}

func TestCompareBeta_ClearLoser(t *testing.T) {
	cmp, err := CompareBeta(600, 10_000, 400, 10_000, UniformPrior(), DefaultDraws, testRand())
	require.NoError(t, err)

	assert.Less(t, cmp.ProbabilityBetter, 0.05)
	assert.Less(t, cmp.CredibleUpper, 0.0)
}

func TestCompareBeta_Deterministic(t *testing.T) {
	a, err := CompareBeta(50, 500, 65, 500, UniformPrior(), 2000, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := CompareBeta(50, 500, 65, 500, UniformPrior(), 2000, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCompareBeta_DefaultDraws(t *testing.T) {
	cmp, err := CompareBeta(10, 100, 12, 100, UniformPrior(), 0, testRand())
	require.NoError(t, err)
	assert.Equal(t, DefaultDraws, cmp.Draws)
}

func TestCompareBeta_InvalidCounts(t *testing.T) {
	tests := []struct {
		name   string
		cs, ct int64
		ts, tt int64
	}{
		{"negative control successes", -1, 100, 10, 100},
		{"negative treatment successes", 10, 100, -1, 100},
		{"control successes exceed trials", 101, 100, 10, 100},
		{"treatment successes exceed trials", 10, 100, 101, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompareBeta(tc.cs, tc.ct, tc.ts, tc.tt, UniformPrior(), 100, testRand())
			assert.True(t, errors.Is(err, ErrInvalidPosterior))
		})
	}
}

func TestCompareBeta_InvalidPrior(t *testing.T) {
	_, err := CompareBeta(10, 100, 10, 100, BetaPrior{Alpha: 0, Beta: 1}, 100, testRand())
	assert.True(t, errors.Is(err, ErrInvalidPosterior))
}

func TestCompareNormal_NullResult(t *testing.T) {
	arm := Summary{N: 1000, Mean: 4.2, Variance: 1.5}
	cmp, err := CompareNormal(arm, arm, DefaultDraws, testRand())
	require.NoError(t, err)

	assert.InDelta(t, 0.5, cmp.ProbabilityBetter, 0.05)
	assert.Less(t, cmp.CredibleLower, 0.0)
	assert.Greater(t, cmp.CredibleUpper, 0.0)
}

func TestCompareNormal_ClearWinner(t *testing.T) {
	control := Summary{N: 2000, Mean: 4.0, Variance: 1.0}
	treatment := Summary{N: 2000, Mean: 4.3, Variance: 1.0}

	cmp, err := CompareNormal(control, treatment, DefaultDraws, testRand())
	require.NoError(t, err)

	assert.Greater(t, cmp.ProbabilityBetter, 0.99)
	assert.Greater(t, cmp.CredibleLower, 0.0)
	assert.InDelta(t, 0.3, (cmp.CredibleLower+cmp.CredibleUpper)/2, 0.05)
}

func TestCompareNormal_EmptyArm(t *testing.T) {
	ok := Summary{N: 100, Mean: 1, Variance: 1}
	_, err := CompareNormal(Summary{}, ok, 100, testRand())
	assert.True(t, errors.Is(err, ErrInvalidPosterior))
}

func TestUniformPrior(t *testing.T) {
	p := UniformPrior()
	assert.Equal(t, 1.0, p.Alpha)
	assert.Equal(t, 1.0, p.Beta)
}

func TestSampleBeta_InUnitInterval(t *testing.T) {
	rng := testRand()
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 2.5, 7.5)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestSampleBeta_MeanConverges(t *testing.T) {
	// Beta(3, 7) has mean 0.3.
	rng := testRand()
	var sum float64
	const n = 50_000
	for i := 0; i < n; i++ {
		sum += sampleBeta(rng, 3, 7)
	}
	assert.InDelta(t, 0.3, sum/n, 0.01)
}
