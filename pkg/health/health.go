// Package health computes rolling pass/fail/flaky statistics and a
// 0-100 health score per test from its recent final-attempt results.
package health

import (
	"math"
	"time"
)

// Window is the maximum number of final-attempt results considered.
const Window = 50

// Outcome classifies a single final-attempt result.
type Outcome string

const (
	OutcomeExpected   Outcome = "expected"
	OutcomeUnexpected Outcome = "unexpected"
	OutcomeFlaky      Outcome = "flaky"
	OutcomeSkipped    Outcome = "skipped"
)

// Trend classifies the direction a test's health is moving in.
type Trend string

const (
	TrendCritical  Trend = "critical"
	TrendDegrading Trend = "degrading"
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
)

// Result is one final-attempt execution outcome, as consumed by the
// tracker. Callers supply results ordered newest first.
type Result struct {
	Outcome    Outcome
	DurationMS int64
	StartedAt  time.Time
}

// Snapshot is the derived health state for a test.
type Snapshot struct {
	TotalRuns    int
	PassedCount  int
	FailedCount  int
	SkippedCount int
	FlakyCount   int

	// PassRate and FlakinessRate are percentages over executed results
	// (passed + failed + flaky; skips excluded).
	PassRate      float64
	FlakinessRate float64

	AvgDurationMS float64

	// HealthScore is round(max(0, passRate - 2*flakinessRate)):
	// flakiness is penalized twice as heavily as an equivalent
	// pass-rate shortfall.
	HealthScore int

	Trend Trend

	ConsecutivePasses   int
	ConsecutiveFailures int

	LastPassAt *time.Time
	LastFailAt *time.Time
}

// Compute derives a snapshot from the newest-first window of
// final-attempt results. It returns false on an empty history: callers
// keep the prior snapshot, or none.
func Compute(results []Result) (Snapshot, bool) {
	if len(results) == 0 {
		return Snapshot{}, false
	}

	if len(results) > Window {
		results = results[:Window]
	}

	snap := Snapshot{TotalRuns: len(results)}

	var totalDuration int64

	for i := range results {
		r := &results[i]
		totalDuration += r.DurationMS

		switch r.Outcome {
		case OutcomeExpected:
			snap.PassedCount++

			if snap.LastPassAt == nil || r.StartedAt.After(*snap.LastPassAt) {
				t := r.StartedAt
				snap.LastPassAt = &t
			}
		case OutcomeUnexpected:
			snap.FailedCount++

			if snap.LastFailAt == nil || r.StartedAt.After(*snap.LastFailAt) {
				t := r.StartedAt
				snap.LastFailAt = &t
			}
		case OutcomeFlaky:
			snap.FlakyCount++
		case OutcomeSkipped:
			snap.SkippedCount++
		}
	}

	executed := snap.PassedCount + snap.FailedCount + snap.FlakyCount
	if executed > 0 {
		snap.PassRate = float64(snap.PassedCount) / float64(executed) * 100
		snap.FlakinessRate = float64(snap.FlakyCount) / float64(executed) * 100
	}

	snap.AvgDurationMS = float64(totalDuration) / float64(len(results))
	snap.HealthScore = int(math.Round(math.Max(0, snap.PassRate-2*snap.FlakinessRate)))
	snap.ConsecutivePasses, snap.ConsecutiveFailures = streaks(results)
	snap.Trend = classifyTrend(snap.HealthScore, snap.ConsecutivePasses, snap.ConsecutiveFailures)

	return snap, true
}

// streaks counts consecutive terminal outcomes walking newest to oldest.
// Skipped and flaky entries neither extend nor break a streak; the scan
// stops once the opposite terminal type appears after a streak started.
func streaks(results []Result) (passes, failures int) {
	for i := range results {
		switch results[i].Outcome {
		case OutcomeExpected:
			if failures > 0 {
				return passes, failures
			}

			passes++
		case OutcomeUnexpected:
			if passes > 0 {
				return passes, failures
			}

			failures++
		}
	}

	return passes, failures
}

// classifyTrend applies the trend rules in priority order; first match
// wins.
func classifyTrend(score, consecutivePasses, consecutiveFailures int) Trend {
	switch {
	case score < 50:
		return TrendCritical
	case consecutiveFailures >= 3:
		return TrendDegrading
	case consecutivePasses >= 5 && score > 80:
		return TrendImproving
	default:
		return TrendStable
	}
}
