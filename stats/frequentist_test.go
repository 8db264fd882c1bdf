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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	assert.Equal(t, int64(8), s.N)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	// Sample variance with n-1 denominator: 32/7.
	assert.InDelta(t, 32.0/7.0, s.Variance, 1e-12)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, Summary{}, s)
}

func TestSummarize_SingleValue(t *testing.T) {
	s := Summarize([]float64{3.5})
	assert.Equal(t, int64(1), s.N)
	assert.Equal(t, 3.5, s.Mean)
	assert.Equal(t, 0.0, s.Variance)
}

func TestRateSummary(t *testing.T) {
	s := RateSummary(25, 100)

	assert.Equal(t, int64(100), s.N)
	assert.InDelta(t, 0.25, s.Mean, 1e-12)
	// p(1-p) scaled by n/(n-1).
	assert.InDelta(t, 0.25*0.75*100.0/99.0, s.Variance, 1e-12)
}

func TestRateSummary_ZeroTrials(t *testing.T) {
	s := RateSummary(0, 0)
	assert.Equal(t, Summary{}, s)
}

func TestWelchTTest_NullResult(t *testing.T) {
	arm := RateSummary(100, 1000)
	res, err := WelchTTest(arm, arm, 0.95)
	require.NoError(t, err)

	assert.False(t, res.IsSignificant)
	assert.InDelta(t, 1.0, res.PValue, 1e-9)
	assert.Equal(t, 0.0, res.EffectSize)
	assert.True(t, res.RelativeLiftValid)
	assert.Equal(t, 0.0, res.RelativeLift)
}

func TestWelchTTest_DetectsLargeEffect(t *testing.T) {
	control := RateSummary(400, 10_000)   // 4%
	treatment := RateSummary(600, 10_000) // 6%

	res, err := WelchTTest(control, treatment, 0.95)
	require.NoError(t, err)

	assert.True(t, res.IsSignificant)
	assert.Less(t, res.PValue, 0.01)
	assert.InDelta(t, 0.02, res.EffectSize, 1e-12)
	require.True(t, res.RelativeLiftValid)
	assert.InDelta(t, 0.5, res.RelativeLift, 1e-9)
	assert.Greater(t, res.TStatistic, 0.0)
	assert.Less(t, res.CILower, res.CIUpper)
	// CI should bracket the observed difference and exclude zero.
	assert.Greater(t, res.CILower, 0.0)
	assert.Less(t, res.CILower, 0.02)
	assert.Greater(t, res.CIUpper, 0.02)
}

func TestWelchTTest_SmallSampleNotSignificant(t *testing.T) {
	// 3 of 10 vs 4 of 10 is noise at any reasonable level.
	res, err := WelchTTest(RateSummary(3, 10), RateSummary(4, 10), 0.95)
	require.NoError(t, err)

	assert.False(t, res.IsSignificant)
	assert.GreaterOrEqual(t, res.PValue, 0.05)
	assert.Less(t, res.CILower, 0.0)
	assert.Greater(t, res.CIUpper, 0.0)
}

func TestWelchTTest_InsufficientSamples(t *testing.T) {
	ok := Summary{N: 10, Mean: 1, Variance: 1}

	_, err := WelchTTest(Summary{N: 1, Mean: 1}, ok, 0.95)
	assert.True(t, errors.Is(err, ErrInsufficientSamples))

	_, err = WelchTTest(ok, Summary{N: 0}, 0.95)
	assert.True(t, errors.Is(err, ErrInsufficientSamples))
}

func TestWelchTTest_ZeroVariance_EqualMeans(t *testing.T) {
	arm := Summary{N: 50, Mean: 2.0, Variance: 0}
	res, err := WelchTTest(arm, arm, 0.95)
	require.NoError(t, err)

	assert.Equal(t, 1.0, res.PValue)
	assert.False(t, res.IsSignificant)
	assert.Equal(t, 0.0, res.CILower)
	assert.Equal(t, 0.0, res.CIUpper)
}

func TestWelchTTest_ZeroVariance_DifferentMeans(t *testing.T) {
	control := Summary{N: 50, Mean: 2.0, Variance: 0}
	treatment := Summary{N: 50, Mean: 3.0, Variance: 0}

	res, err := WelchTTest(control, treatment, 0.95)
	require.NoError(t, err)

	assert.Equal(t, 0.0, res.PValue)
	assert.True(t, res.IsSignificant)
	assert.True(t, math.IsInf(res.TStatistic, 1))
	assert.Equal(t, 1.0, res.CILower)
	assert.Equal(t, 1.0, res.CIUpper)
}

func TestWelchTTest_ZeroControlMean_LiftUndefined(t *testing.T) {
	control := Summary{N: 100, Mean: 0, Variance: 0.01}
	treatment := Summary{N: 100, Mean: 0.5, Variance: 0.25}

	res, err := WelchTTest(control, treatment, 0.95)
	require.NoError(t, err)

	assert.False(t, res.RelativeLiftValid)
	assert.Equal(t, 0.0, res.RelativeLift)
	assert.InDelta(t, 0.5, res.EffectSize, 1e-12)
}

func TestWelchTTest_DegreesOfFreedom(t *testing.T) {
	// Equal sizes and variances collapse Welch-Satterthwaite to 2(n-1).
	arm := Summary{N: 30, Mean: 1.0, Variance: 4.0}
	other := Summary{N: 30, Mean: 1.5, Variance: 4.0}

	res, err := WelchTTest(arm, other, 0.95)
	require.NoError(t, err)
	assert.InDelta(t, 58.0, res.DegreesOfFreedom, 1e-9)
}

func TestWelchTTest_NegativeEffect(t *testing.T) {
	control := RateSummary(600, 10_000)
	treatment := RateSummary(400, 10_000)

	res, err := WelchTTest(control, treatment, 0.95)
	require.NoError(t, err)

	assert.True(t, res.IsSignificant)
	assert.Less(t, res.TStatistic, 0.0)
	assert.InDelta(t, -0.02, res.EffectSize, 1e-12)
	require.True(t, res.RelativeLiftValid)
	assert.InDelta(t, -1.0/3.0, res.RelativeLift, 1e-9)
	assert.Less(t, res.CIUpper, 0.0)
}
