// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decision maps the two inference paths onto one launch
// recommendation.
//
// The whole business rule is a pure function over four numbers and a flag,
// kept apart from the heavier numerical code so the table itself stays
// trivially unit-testable.
package decision

import (
	"math"

	"github.com/AleutianAI/AleutianExperiments/experiment"
)

// -----------------------------------------------------------------------------
// Thresholds
// -----------------------------------------------------------------------------

const (
	// LaunchProbabilityThreshold is the Bayesian bar for LAUNCH.
	LaunchProbabilityThreshold = 0.95

	// AgreementProbabilityThreshold is the Bayesian bar below which a
	// frequentist-significant positive result counts as disagreement.
	AgreementProbabilityThreshold = 0.80
)

// Signals are the inputs to the recommendation table.
type Signals struct {
	// InsufficientData short-circuits everything to CONTINUE.
	InsufficientData bool

	// PValue and IsSignificant come from the frequentist path.
	PValue        float64
	IsSignificant bool

	// RelativeLift is the frequentist relative effect. Invalid lift
	// (undefined control mean) is treated as no proven direction.
	RelativeLift      float64
	RelativeLiftValid bool

	// ProbabilityBetter comes from the Bayesian path.
	ProbabilityBetter float64

	// GuardrailViolated is the OR over all guardrail checks.
	GuardrailViolated bool

	// Alpha is the significance level the p-value was tested at.
	Alpha float64
}

// Recommend applies the decision table:
//
//	STOP        significant AND lift < 0 (a proven regression; overrides
//	            guardrail state)
//	LAUNCH      significant AND lift > 0 AND P(better) ≥ 0.95 AND no
//	            guardrail violations
//	INVESTIGATE any guardrail violated, OR the methods disagree in
//	            direction (significant positive but P(better) < 0.8)
//	CONTINUE    none of the above
//
// Thread Safety: Pure function; safe for concurrent use.
func Recommend(s Signals) experiment.Recommendation {
	if s.InsufficientData {
		return experiment.RecommendContinue
	}

	positive := s.RelativeLiftValid && s.RelativeLift > 0
	negative := s.RelativeLiftValid && s.RelativeLift < 0

	if s.IsSignificant && negative {
		return experiment.RecommendStop
	}
	if s.IsSignificant && positive &&
		s.ProbabilityBetter >= LaunchProbabilityThreshold &&
		!s.GuardrailViolated {
		return experiment.RecommendLaunch
	}
	if s.GuardrailViolated {
		return experiment.RecommendInvestigate
	}
	if s.IsSignificant && positive && s.ProbabilityBetter < AgreementProbabilityThreshold {
		return experiment.RecommendInvestigate
	}
	return experiment.RecommendContinue
}

// Confidence labels how far the evidence sits from its thresholds: the
// p-value from alpha and the posterior probability from its decision bar.
//
// Both margins comfortably clear → high; both near the line → low.
func Confidence(s Signals) experiment.Confidence {
	if s.InsufficientData {
		return experiment.ConfidenceLow
	}

	alpha := s.Alpha
	if alpha <= 0 {
		alpha = 0.05
	}

	// Distance of the p-value below alpha, normalized to [0,1].
	pMargin := (alpha - s.PValue) / alpha
	if pMargin < 0 {
		pMargin = 0
	}

	// Distance of P(better) from indifference, normalized so 0.95 → 0.9.
	bMargin := math.Abs(s.ProbabilityBetter-0.5) * 2

	score := math.Min(pMargin, bMargin)
	switch {
	case score >= 0.9:
		return experiment.ConfidenceHigh
	case score >= 0.5:
		return experiment.ConfidenceMedium
	default:
		return experiment.ConfidenceLow
	}
}
