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
	"math/rand"
	"sort"
)

// -----------------------------------------------------------------------------
// Priors and Configuration
// -----------------------------------------------------------------------------

// DefaultDraws is the Monte-Carlo sample count per arm.
const DefaultDraws = 10_000

// ErrInvalidPosterior indicates posterior parameters that cannot be sampled
// (negative counts, successes exceeding trials).
var ErrInvalidPosterior = errors.New("invalid posterior parameters")

// BetaPrior is the conjugate prior for rate metrics.
type BetaPrior struct {
	Alpha float64
	Beta  float64
}

// UniformPrior returns the uninformative Beta(1,1) prior.
func UniformPrior() BetaPrior {
	return BetaPrior{Alpha: 1, Beta: 1}
}

// Comparison is the Monte-Carlo posterior comparison of treatment against
// control.
type Comparison struct {
	// ProbabilityBetter is the fraction of draws where the treatment
	// sample exceeded the control sample.
	ProbabilityBetter float64

	// ExpectedLoss is the mean of max(0, loser − winner) over draws, for
	// the choice implied by ProbabilityBetter: the expected cost, in
	// metric units, of committing to that choice if it is wrong.
	ExpectedLoss float64

	// CredibleLower/CredibleUpper are the 2.5th and 97.5th percentiles of
	// the sampled treatment − control difference.
	CredibleLower float64
	CredibleUpper float64

	// Draws is the number of posterior samples per arm.
	Draws int
}

// -----------------------------------------------------------------------------
// Beta-Binomial Model (rate metrics)
// -----------------------------------------------------------------------------

// CompareBeta runs the Beta-Binomial posterior comparison for a rate metric.
//
// Description:
//
//	Each arm's posterior is Beta(prior.Alpha + successes,
//	prior.Beta + trials − successes). The two posteriors are sampled
//	draws times and compared pointwise.
//
// Inputs:
//   - controlSuccesses, controlTrials: Control arm counts.
//   - treatmentSuccesses, treatmentTrials: Treatment arm counts.
//   - prior: Conjugate prior, usually UniformPrior().
//   - draws: Samples per arm; values < 1 use DefaultDraws.
//   - rng: Seedable random source. Tests inject a fixed seed; production
//     passes rand.New(rand.NewSource(time.Now().UnixNano())) or similar.
//
// Outputs:
//   - *Comparison: The posterior comparison.
//   - error: ErrInvalidPosterior on impossible counts.
//
// Thread Safety: Stateless apart from rng, which must not be shared across
// goroutines.
func CompareBeta(controlSuccesses, controlTrials, treatmentSuccesses, treatmentTrials int64, prior BetaPrior, draws int, rng *rand.Rand) (*Comparison, error) {
	if controlSuccesses < 0 || treatmentSuccesses < 0 ||
		controlSuccesses > controlTrials || treatmentSuccesses > treatmentTrials {
		return nil, ErrInvalidPosterior
	}
	if prior.Alpha <= 0 || prior.Beta <= 0 {
		return nil, ErrInvalidPosterior
	}
	if draws < 1 {
		draws = DefaultDraws
	}

	alphaC := prior.Alpha + float64(controlSuccesses)
	betaC := prior.Beta + float64(controlTrials-controlSuccesses)
	alphaT := prior.Alpha + float64(treatmentSuccesses)
	betaT := prior.Beta + float64(treatmentTrials-treatmentSuccesses)

	diffs := make([]float64, draws)
	for i := 0; i < draws; i++ {
		c := sampleBeta(rng, alphaC, betaC)
		t := sampleBeta(rng, alphaT, betaT)
		diffs[i] = t - c
	}
	return summarizeDraws(diffs), nil
}

// -----------------------------------------------------------------------------
// Normal-Approximation Model (continuous metrics)
// -----------------------------------------------------------------------------

// CompareNormal runs the posterior comparison for a continuous metric using
// the Normal approximation of each arm's posterior mean:
// N(mean, variance/n).
func CompareNormal(control, treatment Summary, draws int, rng *rand.Rand) (*Comparison, error) {
	if control.N < 1 || treatment.N < 1 {
		return nil, ErrInvalidPosterior
	}
	if draws < 1 {
		draws = DefaultDraws
	}

	seC := math.Sqrt(control.Variance / float64(control.N))
	seT := math.Sqrt(treatment.Variance / float64(treatment.N))

	diffs := make([]float64, draws)
	for i := 0; i < draws; i++ {
		c := control.Mean + seC*rng.NormFloat64()
		t := treatment.Mean + seT*rng.NormFloat64()
		diffs[i] = t - c
	}
	return summarizeDraws(diffs), nil
}

// summarizeDraws reduces sampled differences to the Comparison fields.
func summarizeDraws(diffs []float64) *Comparison {
	draws := len(diffs)

	better := 0
	for _, d := range diffs {
		if d > 0 {
			better++
		}
	}
	probBetter := float64(better) / float64(draws)

	// Expected loss of the implied choice: picking treatment loses when
	// the difference is negative, picking control when it is positive.
	var loss float64
	if probBetter >= 0.5 {
		for _, d := range diffs {
			if d < 0 {
				loss += -d
			}
		}
	} else {
		for _, d := range diffs {
			if d > 0 {
				loss += d
			}
		}
	}
	loss /= float64(draws)

	sorted := make([]float64, draws)
	copy(sorted, diffs)
	sort.Float64s(sorted)

	return &Comparison{
		ProbabilityBetter: probBetter,
		ExpectedLoss:      loss,
		CredibleLower:     percentile(sorted, 0.025),
		CredibleUpper:     percentile(sorted, 0.975),
		Draws:             draws,
	}
}

// percentile reads the p-th percentile from sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// -----------------------------------------------------------------------------
// Samplers
// -----------------------------------------------------------------------------

// sampleBeta draws from Beta(a, b) as Ga/(Ga+Gb).
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	ga := sampleGamma(rng, a)
	gb := sampleGamma(rng, b)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia–Tsang. Shapes
// below 1 use the boosting transform with one extra uniform draw.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
