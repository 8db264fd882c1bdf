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
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInsufficientSamples indicates an arm with fewer than 2 samples.
	ErrInsufficientSamples = errors.New("insufficient samples for statistical analysis")
)

// -----------------------------------------------------------------------------
// Summaries
// -----------------------------------------------------------------------------

// Summary is the minimal sufficient statistic of one arm: sample size,
// mean, and sample variance. Rate and continuous metrics both reduce to it.
type Summary struct {
	N        int64
	Mean     float64
	Variance float64
}

// Summarize computes a Summary from raw values using the sample variance
// (n−1 denominator).
func Summarize(values []float64) Summary {
	n := len(values)
	if n == 0 {
		return Summary{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	variance := 0.0
	if n > 1 {
		variance = sumSq / float64(n-1)
	}
	return Summary{N: int64(n), Mean: mean, Variance: variance}
}

// RateSummary builds a Summary for a Bernoulli rate metric from successes
// and trials. Mean is the rate; variance is p(1−p) scaled to the sample
// variance.
func RateSummary(successes, trials int64) Summary {
	if trials == 0 {
		return Summary{}
	}
	p := float64(successes) / float64(trials)
	variance := p * (1 - p)
	if trials > 1 {
		variance = variance * float64(trials) / float64(trials-1)
	}
	return Summary{N: trials, Mean: p, Variance: variance}
}

// -----------------------------------------------------------------------------
// Welch's t-test
// -----------------------------------------------------------------------------

// WelchResult holds the outcome of a Welch's t-test of treatment against
// control.
type WelchResult struct {
	// TStatistic is (treatment mean − control mean) / SE.
	TStatistic float64

	// DegreesOfFreedom is the Welch–Satterthwaite approximation.
	DegreesOfFreedom float64

	// PValue is the two-tailed p-value.
	PValue float64

	// IsSignificant is PValue < 1 − confidence level.
	IsSignificant bool

	// CILower/CIUpper bound the mean difference at the confidence level.
	CILower float64
	CIUpper float64

	// EffectSize is the absolute difference treatment mean − control mean.
	EffectSize float64

	// RelativeLift is EffectSize / control mean. When the control mean is
	// 0 the lift is reported as undefined rather than divided.
	RelativeLift      float64
	RelativeLiftValid bool
}

// WelchTTest performs Welch's t-test (unequal variances) on two summaries.
//
// Description:
//
//	Welch's test does not assume equal population variances, which real
//	experiment arms rarely have. Degrees of freedom come from the
//	Welch–Satterthwaite approximation and the two-tailed p-value from the
//	t-distribution CDF.
//
// Inputs:
//   - control, treatment: Arm summaries. Each needs N ≥ 2.
//   - confidenceLevel: e.g. 0.95. Significance is tested at alpha = 1 − level.
//
// Outputs:
//   - *WelchResult: Test outcome including CI and lift.
//   - error: ErrInsufficientSamples when either arm has N < 2.
//
// Thread Safety: Stateless; safe for concurrent use.
func WelchTTest(control, treatment Summary, confidenceLevel float64) (*WelchResult, error) {
	if control.N < 2 || treatment.N < 2 {
		return nil, ErrInsufficientSamples
	}

	nC := float64(control.N)
	nT := float64(treatment.N)

	seSq := treatment.Variance/nT + control.Variance/nC
	se := math.Sqrt(seSq)

	diff := treatment.Mean - control.Mean

	result := &WelchResult{
		EffectSize: diff,
	}
	if control.Mean != 0 {
		result.RelativeLift = diff / control.Mean
		result.RelativeLiftValid = true
	}

	if se == 0 {
		// Two zero-variance arms: identical means are a null result,
		// different means an unambiguous difference.
		result.DegreesOfFreedom = nC + nT - 2
		if diff == 0 {
			result.PValue = 1
		} else {
			result.TStatistic = math.Inf(sign(diff))
			result.PValue = 0
			result.IsSignificant = true
		}
		result.CILower = diff
		result.CIUpper = diff
		return result, nil
	}

	result.TStatistic = diff / se

	// Welch–Satterthwaite degrees of freedom
	num := seSq * seSq
	denom := math.Pow(treatment.Variance/nT, 2)/(nT-1) + math.Pow(control.Variance/nC, 2)/(nC-1)
	result.DegreesOfFreedom = num / denom

	alpha := 1 - confidenceLevel
	result.PValue = tPValue(result.TStatistic, result.DegreesOfFreedom)
	result.IsSignificant = result.PValue < alpha

	tCrit := tCritical(result.DegreesOfFreedom, confidenceLevel)
	margin := tCrit * se
	result.CILower = diff - margin
	result.CIUpper = diff + margin

	return result, nil
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}
