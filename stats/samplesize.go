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
// Sample Size Calculator
// -----------------------------------------------------------------------------

// SampleSizeInput parameterizes the two-proportion sample size calculation.
type SampleSizeInput struct {
	// BaselineRate is the control conversion rate, in (0,1).
	BaselineRate float64

	// MinDetectableEffect is the relative lift worth detecting
	// (0.1 = 10% relative improvement).
	MinDetectableEffect float64

	// Power is the desired statistical power, e.g. 0.8.
	Power float64

	// Alpha is the two-tailed significance level, e.g. 0.05.
	Alpha float64
}

// RequiredSampleSize returns the per-arm sample size for a two-proportion
// test via the standard normal-approximation formula:
//
//	n = (z_{α/2}·sqrt(2·p̄·(1−p̄)) + z_power·sqrt(p1(1−p1)+p2(1−p2)))² / (p2−p1)²
//
// Description:
//
//	Pure function, no I/O. Degenerate inputs (zero effect, rate outside
//	(0,1)) return math.MaxInt32: no finite sample detects them.
//
// Thread Safety: Stateless; safe for concurrent use.
func RequiredSampleSize(in SampleSizeInput) int {
	p1 := in.BaselineRate
	p2 := p1 * (1 + in.MinDetectableEffect)

	if p1 <= 0 || p1 >= 1 || in.MinDetectableEffect == 0 {
		return math.MaxInt32
	}
	if p2 >= 1 {
		p2 = 1 - 1e-9
	}
	if p2 <= 0 {
		p2 = 1e-9
	}

	zAlpha := ZScore(1 - in.Alpha/2)
	zPower := ZScore(in.Power)

	pBar := (p1 + p2) / 2
	effect := p2 - p1

	num := zAlpha*math.Sqrt(2*pBar*(1-pBar)) + zPower*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := (num * num) / (effect * effect)

	return int(math.Ceil(n))
}
