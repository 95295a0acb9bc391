// Package heuristics converts historical flakiness signals into a
// deterministic 0-100 confidence score with itemized reasoning.
package heuristics

import "fmt"

// HighConfidenceThreshold gates whether arbitration is skipped: scores at
// or above it are trusted without a second opinion.
const HighConfidenceThreshold = 75

// Weights holds the additive signal weights. The defaults are policy
// values carried over from production tuning; they are not derived from
// a model and may be adjusted per deployment.
type Weights struct {
	RecentFlakiness     int
	RecentPasses        int
	RecurringWithPasses int
	ShortFailureStreak  int
	LowHealth           int
}

// DefaultWeights returns the standard weight set.
func DefaultWeights() Weights {
	return Weights{
		RecentFlakiness:     30,
		RecentPasses:        25,
		RecurringWithPasses: 25,
		ShortFailureStreak:  15,
		LowHealth:           10,
	}
}

// Signals is the input to the scorer: everything it knows about a
// failing test's history.
type Signals struct {
	// RecentFlakinessRate is the percentage of flaky outcomes in the
	// recent window.
	RecentFlakinessRate float64

	// RecentOutcomes are the newest-first statuses of recent final
	// attempts ("passed", "failed", ...).
	RecentOutcomes []string

	// SignatureSeen is true when the current error fingerprint was seen
	// before for this test; SignaturePassedAfter counts how often the
	// test later passed after that exact error.
	SignatureSeen        bool
	SignaturePassedAfter int

	ConsecutiveFailures int
	ConsecutivePasses   int

	HealthScore int
}

// Result carries the bounded score and one reason per triggered signal.
type Result struct {
	Score     int      `json:"score"`
	Reasoning []string `json:"reasoning"`
}

// Scorer computes flakiness confidence scores. The zero value is not
// usable; construct with New.
type Scorer struct {
	weights Weights
}

// New creates a scorer with the given weights.
func New(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score is a pure function of its signals: same signals yield the same
// score and the same reasoning list in the same order. The total is
// capped at 100.
func (s *Scorer) Score(sig Signals) Result {
	res := Result{Reasoning: []string{}}

	if sig.RecentFlakinessRate > 20 {
		res.Score += s.weights.RecentFlakiness
		res.Reasoning = append(res.Reasoning, fmt.Sprintf(
			"high recent flakiness rate (%.1f%%)", sig.RecentFlakinessRate))
	}

	passes, executed := countPasses(sig.RecentOutcomes)
	if passes >= 2 && executed > 0 &&
		float64(passes)/float64(executed) >= 0.3 {
		res.Score += s.weights.RecentPasses
		res.Reasoning = append(res.Reasoning, fmt.Sprintf(
			"test passed %d of %d recent executions", passes, executed))
	}

	if sig.SignatureSeen && sig.SignaturePassedAfter > 0 {
		res.Score += s.weights.RecurringWithPasses
		res.Reasoning = append(res.Reasoning, fmt.Sprintf(
			"identical error seen before, followed by %d passes",
			sig.SignaturePassedAfter))
	}

	if sig.ConsecutiveFailures < 3 && sig.ConsecutivePasses > 0 {
		res.Score += s.weights.ShortFailureStreak
		res.Reasoning = append(res.Reasoning, fmt.Sprintf(
			"short failure streak (%d) after %d consecutive passes",
			sig.ConsecutiveFailures, sig.ConsecutivePasses))
	}

	if sig.HealthScore < 50 {
		res.Score += s.weights.LowHealth
		res.Reasoning = append(res.Reasoning, fmt.Sprintf(
			"test already has low health score (%d)", sig.HealthScore))
	}

	if res.Score > 100 {
		res.Score = 100
	}

	return res
}

// HighConfidence reports whether the score is trusted enough to skip
// arbitration.
func HighConfidence(score int) bool {
	return score >= HighConfidenceThreshold
}

// countPasses tallies passed outcomes among non-skip recent outcomes.
func countPasses(outcomes []string) (passes, executed int) {
	for _, o := range outcomes {
		if o == "skipped" {
			continue
		}

		executed++

		if o == "passed" {
			passes++
		}
	}

	return passes, executed
}
