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

import "math"

// -----------------------------------------------------------------------------
// Distribution Helpers
// -----------------------------------------------------------------------------

// NormalCDF returns the standard normal CDF at x.
func NormalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// ZScore returns the standard normal quantile for probability p.
func ZScore(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	// z = sqrt(2) * erfinv(2p - 1)
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// tPValue approximates the two-tailed p-value of |t| under a t-distribution
// with df degrees of freedom.
//
// For df >= 30 the t-distribution is indistinguishable from the normal at
// the precision decisions here need. For smaller df the statistic is
// inflated toward the heavier tails before the normal lookup.
func tPValue(t, df float64) float64 {
	if df <= 0 {
		return 1
	}

	absT := math.Abs(t)
	if df >= 30 {
		return clamp01(2 * (1 - NormalCDF(absT)))
	}

	adjusted := absT * math.Sqrt(df/(df-2+0.001))
	return clamp01(2 * (1 - NormalCDF(adjusted)))
}

// tCritical returns the two-tailed t critical value at the given confidence
// level for df degrees of freedom.
func tCritical(df float64, level float64) float64 {
	n := int(math.Round(df))
	if n < 1 {
		n = 1
	}

	if n >= 30 {
		switch {
		case level >= 0.99:
			return 2.576
		case level >= 0.95:
			return 1.96
		case level >= 0.90:
			return 1.645
		default:
			return ZScore(1 - (1-level)/2)
		}
	}

	// Table lookup for small df
	t95 := []float64{12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042}
	t99 := []float64{63.657, 9.925, 5.841, 4.604, 4.032, 3.707, 3.499, 3.355, 3.250, 3.169,
		3.106, 3.055, 3.012, 2.977, 2.947, 2.921, 2.898, 2.878, 2.861, 2.845,
		2.831, 2.819, 2.807, 2.797, 2.787, 2.779, 2.771, 2.763, 2.756, 2.750}

	switch {
	case level >= 0.99:
		return t99[n-1]
	case level >= 0.95:
		return t95[n-1]
	default:
		return t95[n-1] * 0.85 // Approximate for 90%
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
