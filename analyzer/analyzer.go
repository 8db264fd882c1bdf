// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer runs statistical analyses of experiments.
//
// An analysis run loads the experiment and its metric snapshots, builds
// sufficient statistics for the control and treatment arms, then runs the
// frequentist (Welch's t-test) and Bayesian (Monte-Carlo posterior) paths
// concurrently. Guardrails are evaluated against the same snapshots and the
// combined signals map through the decision table to a recommendation. The
// resulting AnalysisResult is appended to the store's immutable history.
//
// Runs are read-mostly and CPU-bound (dominated by the posterior draws) with
// no shared mutable state, so they may execute in parallel with tracking and
// with each other. Cancellation follows the caller's context: on expiry the
// run returns the context error and persists nothing.
package analyzer

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianExperiments/decision"
	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/stats"
	"github.com/AleutianAI/AleutianExperiments/store"
	"github.com/AleutianAI/AleutianExperiments/telemetry"
	"github.com/AleutianAI/AleutianExperiments/tracker"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMinimumSampleSize is the per-arm floor below which a run
	// reports insufficient data instead of test results.
	DefaultMinimumSampleSize = 100

	// DefaultConfidenceLevel is the confidence level used when the caller
	// does not supply one.
	DefaultConfidenceLevel = 0.95
)

// =============================================================================
// Analyzer
// =============================================================================

// Analyzer orchestrates analysis runs against a store.
//
// Thread Safety: Safe for concurrent use. Each run draws its own random
// source from newRand, so parallel runs never share generator state.
type Analyzer struct {
	store   store.Store
	logger  *logging.Logger
	sink    *telemetry.Sink
	now     func() time.Time
	newRand func() *rand.Rand
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithTelemetry sets the OpenTelemetry sink for run spans and metrics.
func WithTelemetry(s *telemetry.Sink) Option {
	return func(a *Analyzer) { a.sink = s }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithRandSource overrides the per-run random source factory. Tests inject
// a fixed seed here to make the Monte-Carlo path deterministic.
func WithRandSource(f func() *rand.Rand) Option {
	return func(a *Analyzer) { a.newRand = f }
}

// New creates an Analyzer backed by the given store.
func New(st store.Store, opts ...Option) *Analyzer {
	a := &Analyzer{
		store: st,
		now:   time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Default().With("component", "analyzer")
	}
	return a
}

// =============================================================================
// Parameters
// =============================================================================

// Params are the per-run analysis parameters.
type Params struct {
	// MetricName selects the metric under test ("conversion_rate",
	// "click_rate", "avg_rating", "revenue_per_user"). Required.
	MetricName string

	// TreatmentVariantID selects the treatment arm. Empty means the first
	// non-control variant in canonical order.
	TreatmentVariantID string

	// MinimumSampleSize is the per-arm floor. Zero means the default (100).
	MinimumSampleSize int

	// ConfidenceLevel is the frequentist confidence level in (0,1).
	// Zero means the default (0.95).
	ConfidenceLevel float64

	// Draws is the Monte-Carlo sample count per arm. Zero means the
	// default (10,000).
	Draws int
}

func (p *Params) withDefaults() Params {
	out := *p
	if out.MinimumSampleSize <= 0 {
		out.MinimumSampleSize = DefaultMinimumSampleSize
	}
	if out.ConfidenceLevel <= 0 || out.ConfidenceLevel >= 1 {
		out.ConfidenceLevel = DefaultConfidenceLevel
	}
	if out.Draws <= 0 {
		out.Draws = stats.DefaultDraws
	}
	return out
}

// metricKind distinguishes rate metrics (Beta-Binomial posterior) from
// continuous metrics (Normal-approximation posterior on raw values).
type metricKind int

const (
	kindRate metricKind = iota
	kindContinuous
)

func kindOf(metric string) (metricKind, error) {
	switch metric {
	case "conversion_rate", "click_rate":
		return kindRate, nil
	case "avg_rating", "revenue_per_user":
		return kindContinuous, nil
	default:
		return 0, experiment.ValidationErrorf("unknown metric %q", metric)
	}
}

// =============================================================================
// Analyze
// =============================================================================

// Analyze runs one analysis of the experiment's metric and appends the
// result to the experiment's analysis history.
//
// Description:
//
//	Loads the experiment and per-variant snapshots, derives control and
//	treatment summaries for the metric, then runs both inference paths
//	concurrently under the caller's context. When either arm is below the
//	minimum sample size the run short-circuits to an insufficient-data
//	result with recommendation CONTINUE; that result is still persisted so
//	UIs can render "still collecting".
//
// Inputs:
//   - ctx: Cancellation and deadline. On expiry the run returns the
//     context error and persists nothing.
//   - experimentID: The experiment to analyze.
//   - p: Run parameters. MetricName is required.
//
// Outputs:
//   - *experiment.AnalysisResult: The persisted result.
//   - error: ErrValidation for bad parameters, ErrNotFound for unknown
//     experiments, a context error on cancellation, or a storage error.
func (a *Analyzer) Analyze(ctx context.Context, experimentID string, p Params) (res *experiment.AnalysisResult, err error) {
	start := a.now()
	if a.sink != nil {
		spanCtx, span := a.sink.StartAnalysis(ctx, experimentID, p.MetricName)
		ctx = spanCtx
		defer func() {
			rec := ""
			if res != nil {
				rec = string(res.Recommendation)
			}
			a.sink.RecordAnalysis(context.WithoutCancel(ctx), span, a.now().Sub(start), rec, err)
		}()
	}

	if p.MetricName == "" {
		return nil, experiment.ValidationErrorf("metric name is required")
	}
	kind, err := kindOf(p.MetricName)
	if err != nil {
		return nil, err
	}
	params := p.withDefaults()

	exp, err := a.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	control := exp.ControlVariant()
	if control == nil {
		return nil, experiment.ValidationErrorf("experiment %s has no control variant", experimentID)
	}
	treatment, err := a.pickTreatment(exp, params.TreatmentVariantID)
	if err != nil {
		return nil, err
	}

	snaps, err := a.store.ListSnapshots(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	byVariant := make(map[string]*experiment.VariantMetricSnapshot, len(snaps))
	for _, s := range snaps {
		byVariant[s.VariantID] = s
	}

	controlArm, err := a.armData(ctx, exp, control.ID, byVariant[control.ID], kind, params.MetricName)
	if err != nil {
		return nil, err
	}
	treatmentArm, err := a.armData(ctx, exp, treatment.ID, byVariant[treatment.ID], kind, params.MetricName)
	if err != nil {
		return nil, err
	}

	result := &experiment.AnalysisResult{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		MetricName:   params.MetricName,
		Control:      controlArm.summaryFor(control.ID),
		Treatment:    treatmentArm.summaryFor(treatment.ID),
		AnalyzedAt:   a.now(),
	}

	if controlArm.summary.N < int64(params.MinimumSampleSize) ||
		treatmentArm.summary.N < int64(params.MinimumSampleSize) {
		result.InsufficientData = true
		result.Recommendation = experiment.RecommendContinue
		result.Confidence = experiment.ConfidenceLow
		if err := a.persist(ctx, result); err != nil {
			return nil, err
		}
		a.logger.Info("analysis: insufficient data",
			"experiment_id", experimentID,
			"metric", params.MetricName,
			"control_n", controlArm.summary.N,
			"treatment_n", treatmentArm.summary.N,
			"minimum", params.MinimumSampleSize)
		return result, nil
	}

	// Both inference paths run concurrently. The Bayesian path dominates
	// run time at the default draw count.
	var (
		freq *stats.WelchResult
		bay  *stats.Comparison
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var werr error
		freq, werr = stats.WelchTTest(controlArm.summary, treatmentArm.summary, params.ConfidenceLevel)
		if werr != nil {
			return werr
		}
		return gctx.Err()
	})
	g.Go(func() error {
		rng := a.newRand()
		var berr error
		switch kind {
		case kindRate:
			bay, berr = stats.CompareBeta(
				controlArm.successes, controlArm.trials,
				treatmentArm.successes, treatmentArm.trials,
				stats.UniformPrior(), params.Draws, rng)
		default:
			bay, berr = stats.CompareNormal(controlArm.summary, treatmentArm.summary, params.Draws, rng)
		}
		if berr != nil {
			return berr
		}
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	guardrails := tracker.EvaluateGuardrails(exp, snaps)

	result.Frequentist = &experiment.FrequentistResult{
		TStatistic:        freq.TStatistic,
		DegreesOfFreedom:  freq.DegreesOfFreedom,
		PValue:            freq.PValue,
		IsSignificant:     freq.IsSignificant,
		CILower:           freq.CILower,
		CIUpper:           freq.CIUpper,
		EffectSize:        freq.EffectSize,
		RelativeLift:      freq.RelativeLift,
		RelativeLiftValid: freq.RelativeLiftValid,
	}
	result.Bayesian = &experiment.BayesianResult{
		ProbabilityBetter: bay.ProbabilityBetter,
		ExpectedLoss:      bay.ExpectedLoss,
		CredibleLower:     bay.CredibleLower,
		CredibleUpper:     bay.CredibleUpper,
		Draws:             bay.Draws,
	}
	result.GuardrailChecks = guardrails.Checks

	signals := decision.Signals{
		PValue:            freq.PValue,
		IsSignificant:     freq.IsSignificant,
		RelativeLift:      freq.RelativeLift,
		RelativeLiftValid: freq.RelativeLiftValid,
		ProbabilityBetter: bay.ProbabilityBetter,
		GuardrailViolated: guardrails.HasViolations,
		Alpha:             1 - params.ConfidenceLevel,
	}
	result.Recommendation = decision.Recommend(signals)
	result.Confidence = decision.Confidence(signals)

	if err := a.persist(ctx, result); err != nil {
		return nil, err
	}

	a.logger.Info("analysis complete",
		"experiment_id", experimentID,
		"metric", params.MetricName,
		"p_value", freq.PValue,
		"probability_better", bay.ProbabilityBetter,
		"recommendation", string(result.Recommendation),
		"confidence", string(result.Confidence),
		"elapsed_ms", a.now().Sub(start).Milliseconds())
	return result, nil
}

// Latest returns the newest analysis of the experiment's metric.
func (a *Analyzer) Latest(ctx context.Context, experimentID, metricName string) (*experiment.AnalysisResult, error) {
	return a.store.LatestAnalysis(ctx, experimentID, metricName)
}

// History returns the append-only analysis history of an experiment,
// oldest first.
func (a *Analyzer) History(ctx context.Context, experimentID string) ([]*experiment.AnalysisResult, error) {
	return a.store.ListAnalyses(ctx, experimentID)
}

// persist appends the result, refusing to write after cancellation so a
// timed-out run never leaves a half-computed row behind.
func (a *Analyzer) persist(ctx context.Context, res *experiment.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.store.AppendAnalysis(ctx, res)
}

// pickTreatment resolves the treatment arm.
func (a *Analyzer) pickTreatment(exp *experiment.Experiment, id string) (*experiment.Variant, error) {
	if id != "" {
		v := exp.Variant(id)
		if v == nil {
			return nil, experiment.NotFoundErrorf("variant %s not found in experiment %s", id, exp.ID)
		}
		if v.IsControl {
			return nil, experiment.ValidationErrorf("treatment variant %s is the control", id)
		}
		return v, nil
	}
	for i := range exp.Variants {
		if !exp.Variants[i].IsControl {
			return &exp.Variants[i], nil
		}
	}
	return nil, experiment.ValidationErrorf("experiment %s has no treatment variant", exp.ID)
}

// =============================================================================
// Arm Data
// =============================================================================

// armData is the per-arm input to both inference paths.
type armData struct {
	summary stats.Summary

	// successes/trials feed the Beta-Binomial posterior for rate metrics.
	successes int64
	trials    int64
}

func (d *armData) summaryFor(variantID string) experiment.ArmSummary {
	return experiment.ArmSummary{
		VariantID: variantID,
		N:         d.summary.N,
		Mean:      d.summary.Mean,
		Variance:  d.summary.Variance,
	}
}

// armData builds the arm's sufficient statistics for the metric.
//
// Rate metrics come straight from the snapshot counters. Continuous metrics
// need the per-event values, so the raw event log is replayed for the arm.
func (a *Analyzer) armData(ctx context.Context, exp *experiment.Experiment, variantID string, snap *experiment.VariantMetricSnapshot, kind metricKind, metric string) (*armData, error) {
	if snap == nil {
		snap = &experiment.VariantMetricSnapshot{ExperimentID: exp.ID, VariantID: variantID}
	}

	if kind == kindRate {
		var successes, trials int64
		switch metric {
		case "click_rate":
			successes, trials = snap.Clicks, snap.Impressions
		default: // conversion_rate
			successes = snap.Conversions
			if exp.AllocationUnit == experiment.AllocationUnitUser {
				trials = snap.Users
			} else {
				trials = snap.Impressions
			}
		}
		if successes > trials {
			successes = trials
		}
		return &armData{
			summary:   stats.RateSummary(successes, trials),
			successes: successes,
			trials:    trials,
		}, nil
	}

	eventType := experiment.EventRating
	if metric == "revenue_per_user" {
		eventType = experiment.EventConversion
	}
	events, err := a.store.ListEvents(ctx, exp.ID, eventType)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.VariantID != variantID || ev.Value == nil {
			continue
		}
		values = append(values, *ev.Value)
	}
	return &armData{summary: stats.Summarize(values)}, nil
}
