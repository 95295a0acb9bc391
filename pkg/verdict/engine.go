// Package verdict orchestrates per-test flakiness verdicts and
// aggregates them into a pipeline-level decision on whether a failing
// run can safely be treated as passing.
package verdict

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/arbiter"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/fingerprint"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/health"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/heuristics"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/metrics"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Classification values for per-test and pipeline verdicts.
const (
	ClassificationFlaky = "flaky"
	ClassificationReal  = "likely_real_failure"
)

// recentHistoryLimit bounds the outcome history sent to the arbiter.
const recentHistoryLimit = 10

// analyzeParallelism bounds the per-test fan-out within a pipeline. The
// fan-out is a latency optimization only; every per-test verdict reads
// its own test's history and writes nothing.
const analyzeParallelism = 4

// Thresholds are the policy cutoffs of the engine. Like the heuristic
// weights these are tuned values, not derived ones.
type Thresholds struct {
	// FlakyCutoff is the minimum final score classified as flaky.
	FlakyCutoff int

	// AutoPassConfidence is the minimum pipeline confidence for an
	// auto-pass decision.
	AutoPassConfidence int

	// StrongDisagreement is the adjustment below which a real_bug
	// arbitration verdict caps the final score at DisagreementCap,
	// protecting against heuristic overconfidence.
	StrongDisagreement int
	DisagreementCap    int
}

// DefaultThresholds returns the standard policy cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FlakyCutoff:        60,
		AutoPassConfidence: 90,
		StrongDisagreement: -10,
		DisagreementCap:    50,
	}
}

// TestVerdict is the per-test analysis outcome. Verdicts are ephemeral:
// computed on demand and never persisted by the engine.
type TestVerdict struct {
	TestID         uint     `json:"test_id"`
	Title          string   `json:"title"`
	FilePath       string   `json:"file_path"`
	Classification string   `json:"classification"`
	Score          int      `json:"score"`
	HeuristicScore int      `json:"heuristic_score"`
	Reasoning      []string `json:"reasoning"`

	Arbitrated       bool   `json:"arbitrated"`
	ArbiterVerdict   string `json:"arbiter_verdict,omitempty"`
	ArbiterReasoning string `json:"arbiter_reasoning,omitempty"`
}

// PipelineVerdict aggregates the verdicts of one run's unexpected
// final-attempt failures.
type PipelineVerdict struct {
	RunID       string        `json:"run_id"`
	Verdict     string        `json:"verdict"`
	Confidence  int           `json:"confidence"`
	CanAutoPass bool          `json:"can_auto_pass"`
	Summary     string        `json:"summary"`
	Tests       []TestVerdict `json:"tests"`
}

// Engine builds per-test verdicts and pipeline aggregations. All of its
// operations are deterministic given identical store contents, except
// for the optional arbitration exchange.
type Engine struct {
	log        logrus.FieldLogger
	store      store.Store
	scorer     *heuristics.Scorer
	arbiter    *arbiter.Client
	cache      Cache
	thresholds Thresholds
}

// New creates an engine. arb may be nil (arbitration not configured);
// cache may be nil, which disables memoization.
func New(
	log logrus.FieldLogger,
	st store.Store,
	arb *arbiter.Client,
	cache Cache,
) *Engine {
	if cache == nil {
		cache = NopCache{}
	}

	return &Engine{
		log:        log.WithField("component", "verdict-engine"),
		store:      st,
		scorer:     heuristics.New(heuristics.DefaultWeights()),
		arbiter:    arb,
		cache:      cache,
		thresholds: DefaultThresholds(),
	}
}

// unknownTestVerdict is the fail-safe result for failures whose test
// identity cannot be resolved: score 0, never auto-passed.
func unknownTestVerdict(testID uint) TestVerdict {
	return TestVerdict{
		TestID:         testID,
		Title:          "unknown test",
		Classification: ClassificationReal,
		Score:          0,
		HeuristicScore: 0,
		Reasoning:      []string{"test could not be resolved; treating failure as real"},
	}
}

// AnalyzeTestFailure builds the verdict for one unexpected failure.
// Collaborator trouble (missing test, store read errors, arbitration
// failure) degrades to the most conservative available signal instead of
// raising: the engine never blocks a caller on a business-logic edge.
func (e *Engine) AnalyzeTestFailure(
	ctx context.Context, failure store.TestResult,
) TestVerdict {
	test, err := e.store.GetTest(ctx, failure.TestID)
	if err != nil {
		if err != store.ErrNotFound {
			e.log.WithError(err).WithField("test_id", failure.TestID).
				Warn("Loading test failed, falling back to unknown-test verdict")
		}

		v := unknownTestVerdict(failure.TestID)
		metrics.TestVerdicts.WithLabelValues(v.Classification).Inc()

		return v
	}

	recent, err := e.store.RecentFinalResults(ctx, test.ID, store.MaxRecentResults)
	if err != nil {
		e.log.WithError(err).WithField("test_id", test.ID).
			Warn("Loading recent results failed")

		recent = nil
	}

	snap, _ := health.Compute(toHealthResults(recent))
	signals := e.buildSignals(ctx, test.ID, failure, recent, snap)
	heuristic := e.scorer.Score(signals)

	v := TestVerdict{
		TestID:         test.ID,
		Title:          test.Title,
		FilePath:       test.FilePath,
		Score:          heuristic.Score,
		HeuristicScore: heuristic.Score,
		Reasoning:      heuristic.Reasoning,
	}

	if !heuristics.HighConfidence(heuristic.Score) && e.arbiter != nil {
		e.arbitrate(ctx, &v, test, failure, recent, heuristic)
	}

	if v.Score >= e.thresholds.FlakyCutoff {
		v.Classification = ClassificationFlaky
	} else {
		v.Classification = ClassificationReal
	}

	metrics.TestVerdicts.WithLabelValues(v.Classification).Inc()

	return v
}

// arbitrate runs the optional external adjustment step and applies its
// bounded outcome to the verdict.
func (e *Engine) arbitrate(
	ctx context.Context,
	v *TestVerdict,
	test *store.Test,
	failure store.TestResult,
	recent []store.TestResult,
	heuristic heuristics.Result,
) {
	start := time.Now()

	analysis := e.arbiter.Analyze(ctx, arbiter.Request{
		TestTitle:          test.Title,
		FilePath:           test.FilePath,
		ErrorMessage:       failure.ErrorMessage,
		StackTrace:         failure.ErrorStack,
		RecentHistory:      recentStatuses(recent, recentHistoryLimit),
		SimilarErrors:      e.similarErrors(ctx, test.ID, failure.ErrorMessage),
		HeuristicScore:     heuristic.Score,
		HeuristicReasoning: heuristic.Reasoning,
	})

	metrics.ArbitrationDuration.Observe(time.Since(start).Seconds())

	if analysis == nil {
		metrics.ArbitrationRequests.WithLabelValues("degraded").Inc()

		return
	}

	metrics.ArbitrationRequests.WithLabelValues("applied").Inc()

	v.Arbitrated = true
	v.ArbiterVerdict = analysis.Verdict
	v.ArbiterReasoning = analysis.Reasoning
	v.Score = clamp(v.HeuristicScore+analysis.Adjustment, 0, 100)

	// A strong real-bug disagreement caps the score regardless of the
	// arithmetic result.
	if analysis.Verdict == arbiter.VerdictRealBug &&
		analysis.Adjustment < e.thresholds.StrongDisagreement &&
		v.Score > e.thresholds.DisagreementCap {
		v.Score = e.thresholds.DisagreementCap
	}

	if analysis.Reasoning != "" {
		v.Reasoning = append(v.Reasoning, "arbiter: "+analysis.Reasoning)
	}
}

// AnalyzePipeline aggregates all unexpected final-attempt failures of a
// run into one pipeline verdict. Results are memoized in the injected
// cache until new results for the run invalidate it.
func (e *Engine) AnalyzePipeline(
	ctx context.Context, runID string,
) (*PipelineVerdict, error) {
	if cached, ok := e.cache.Get(runID); ok {
		return cached, nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resolving run %q: %w", runID, err)
	}

	failures, err := e.store.UnexpectedFinalFailures(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("loading failures for run %q: %w", runID, err)
	}

	pv := &PipelineVerdict{RunID: runID, Tests: []TestVerdict{}}

	if len(failures) == 0 {
		pv.Verdict = ClassificationFlaky
		pv.Confidence = 100
		pv.CanAutoPass = true
		pv.Summary = "no failures to analyze"

		e.finishPipeline(pv)

		return pv, nil
	}

	pv.Tests = e.analyzeAll(ctx, failures)

	var total, realCount int

	for i := range pv.Tests {
		total += pv.Tests[i].Score

		if pv.Tests[i].Classification == ClassificationReal {
			realCount++
		}
	}

	// A single likely-real failure makes the whole pipeline non-flaky.
	if realCount == 0 {
		pv.Verdict = ClassificationFlaky
	} else {
		pv.Verdict = ClassificationReal
	}

	pv.Confidence = int(math.Round(float64(total) / float64(len(pv.Tests))))
	pv.CanAutoPass = pv.Verdict == ClassificationFlaky &&
		pv.Confidence >= e.thresholds.AutoPassConfidence
	pv.Summary = summarize(len(pv.Tests)-realCount, realCount)

	e.finishPipeline(pv)

	return pv, nil
}

func (e *Engine) finishPipeline(pv *PipelineVerdict) {
	metrics.PipelineVerdicts.WithLabelValues(
		pv.Verdict, strconv.FormatBool(pv.CanAutoPass),
	).Inc()

	e.cache.Set(pv.RunID, pv)
}

// analyzeAll fans the per-test analysis out over a bounded worker group.
// Order of the returned verdicts matches the order of failures.
func (e *Engine) analyzeAll(
	ctx context.Context, failures []store.TestResult,
) []TestVerdict {
	verdicts := make([]TestVerdict, len(failures))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(analyzeParallelism)

	for i := range failures {
		g.Go(func() error {
			verdicts[i] = e.AnalyzeTestFailure(ctx, failures[i])

			return nil
		})
	}

	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	return verdicts
}

// similarErrors summarizes the recurrence history of the failure's
// fingerprint for the arbitration prompt.
func (e *Engine) similarErrors(
	ctx context.Context, testID uint, errorMessage string,
) string {
	if errorMessage == "" {
		return ""
	}

	sig, err := e.store.GetSignature(
		ctx, testID, fingerprint.Fingerprint(errorMessage),
	)
	if err != nil {
		return ""
	}

	return fmt.Sprintf(
		"this exact error was seen %d times before; the test later passed %d times after it",
		sig.OccurrenceCount, sig.PassedAfterCount,
	)
}

// buildSignals assembles the heuristic scorer input for one failure.
func (e *Engine) buildSignals(
	ctx context.Context,
	testID uint,
	failure store.TestResult,
	recent []store.TestResult,
	snap health.Snapshot,
) heuristics.Signals {
	signals := heuristics.Signals{
		RecentFlakinessRate: snap.FlakinessRate,
		RecentOutcomes:      recentStatuses(recent, store.MaxRecentResults),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		ConsecutivePasses:   snap.ConsecutivePasses,
		HealthScore:         snap.HealthScore,
	}

	if failure.ErrorMessage != "" {
		sig, err := e.store.GetSignature(
			ctx, testID, fingerprint.Fingerprint(failure.ErrorMessage),
		)
		if err == nil {
			signals.SignatureSeen = true
			signals.SignaturePassedAfter = sig.PassedAfterCount
		}
	}

	return signals
}

func toHealthResults(results []store.TestResult) []health.Result {
	out := make([]health.Result, 0, len(results))
	for i := range results {
		out = append(out, health.Result{
			Outcome:    health.Outcome(results[i].Outcome),
			DurationMS: results[i].DurationMS,
			StartedAt:  results[i].StartedAt,
		})
	}

	return out
}

// recentStatuses returns the newest-first statuses of recent final
// attempts, bounded by limit.
func recentStatuses(results []store.TestResult, limit int) []string {
	if len(results) < limit {
		limit = len(results)
	}

	statuses := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		statuses = append(statuses, results[i].Status)
	}

	return statuses
}

// summarize renders the deterministic pipeline summary from the
// flaky/real counts.
func summarize(flaky, real int) string {
	switch {
	case real == 0:
		return fmt.Sprintf("all %d failing tests look flaky", flaky)
	case flaky == 0:
		return fmt.Sprintf("all %d failing tests look like real failures", real)
	default:
		return fmt.Sprintf(
			"%d of %d failing tests look flaky, %d look like real failures",
			flaky, flaky+real, real,
		)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
