// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats implements the numerical inference behind experiment
// analysis: a frequentist path and a Bayesian path that the analyzer runs
// side by side.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                       STATISTICAL ANALYZER                        │
//	├──────────────────────────────────────────────────────────────────┤
//	│                                                                   │
//	│   ArmSummary (control) ──┬─► Frequentist (Welch's t-test)        │
//	│   ArmSummary (treatment) ┘   • t statistic, Welch–Satterthwaite  │
//	│                              • two-tailed p-value                │
//	│                              • CI for the mean difference        │
//	│                              • absolute / relative lift          │
//	│                                                                   │
//	│   successes/trials ──────┬─► Bayesian (Beta-Binomial)            │
//	│   n/mean/variance ───────┴─► Bayesian (Normal approximation)     │
//	│                              • 10,000 posterior draws per arm    │
//	│                              • P(treatment > control)            │
//	│                              • expected loss, credible interval  │
//	│                                                                   │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Statistical Methodology
//
//   - Welch's t-test for comparing means (handles unequal variances)
//   - Welch–Satterthwaite approximation for degrees of freedom
//   - Beta(1,1) conjugate priors for rate metrics
//   - Monte-Carlo posterior comparison with an injected random source
//   - Two-proportion normal-approximation sample size calculator
//
// # Determinism
//
// Every Monte-Carlo entry point takes a *rand.Rand. Production wires real
// entropy; tests inject a fixed seed and get bit-identical results.
//
// # Thread Safety
//
// All functions are stateless and safe for concurrent use, except that a
// *rand.Rand must not be shared across goroutines.
package stats
