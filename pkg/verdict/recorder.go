package verdict

import (
	"context"
	"fmt"
	"time"

	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/fingerprint"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/health"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/metrics"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/store"
)

// RecordResult is the ingestion hook, invoked after a result row has
// been written. It keeps the derived data current: error signatures on
// every result carrying an error, and the health snapshot on every
// final attempt. The snapshot update is read-latest/compute/upsert with
// last-write-wins semantics under concurrent ingestion.
func (e *Engine) RecordResult(
	ctx context.Context, run *store.Run, result *store.TestResult,
) error {
	metrics.ResultsIngested.WithLabelValues(result.Outcome).Inc()

	if result.ErrorMessage != "" {
		err := e.store.RecordSignatureOccurrence(
			ctx,
			result.TestID,
			fingerprint.Fingerprint(result.ErrorMessage),
			result.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("recording error signature: %w", err)
		}
	}

	if !result.IsFinalAttempt {
		return nil
	}

	// A pass credits every signature seen since the previous pass: the
	// recurrence oracle learns that this error did not stick.
	if result.Outcome == store.OutcomeExpected {
		if err := e.creditSignatures(ctx, result.TestID); err != nil {
			return err
		}
	}

	if err := e.recomputeHealth(ctx, result.TestID); err != nil {
		return err
	}

	// New results change the pipeline-level answer.
	e.cache.Invalidate(run.RunID)

	return nil
}

func (e *Engine) creditSignatures(ctx context.Context, testID uint) error {
	var since time.Time

	prev, err := e.store.GetHealth(ctx, testID)
	if err == nil && prev.LastPassAt != nil {
		since = *prev.LastPassAt
	} else if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("loading prior health: %w", err)
	}

	if err := e.store.MarkSignaturesPassed(ctx, testID, since); err != nil {
		return fmt.Errorf("crediting signatures: %w", err)
	}

	return nil
}

// recomputeHealth rebuilds the snapshot for a test from its recent
// final-attempt window. An empty history leaves the prior snapshot in
// place.
func (e *Engine) recomputeHealth(ctx context.Context, testID uint) error {
	recent, err := e.store.RecentFinalResults(ctx, testID, store.MaxRecentResults)
	if err != nil {
		return fmt.Errorf("loading recent results: %w", err)
	}

	snap, ok := health.Compute(toHealthResults(recent))
	if !ok {
		return nil
	}

	return e.store.UpsertHealth(ctx, &store.TestHealth{
		TestID:              testID,
		TotalRuns:           snap.TotalRuns,
		PassedCount:         snap.PassedCount,
		FailedCount:         snap.FailedCount,
		SkippedCount:        snap.SkippedCount,
		FlakyCount:          snap.FlakyCount,
		PassRate:            snap.PassRate,
		FlakinessRate:       snap.FlakinessRate,
		AvgDurationMS:       snap.AvgDurationMS,
		HealthScore:         snap.HealthScore,
		Trend:               string(snap.Trend),
		ConsecutivePasses:   snap.ConsecutivePasses,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastPassAt:          snap.LastPassAt,
		LastFailAt:          snap.LastFailAt,
	})
}
