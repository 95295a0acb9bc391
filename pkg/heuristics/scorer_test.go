package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore_NoSignals(t *testing.T) {
	s := New(DefaultWeights())

	res := s.Score(Signals{HealthScore: 100, ConsecutiveFailures: 5})
	assert.Equal(t, 0, res.Score)
	assert.Empty(t, res.Reasoning)
}

func TestScore_IndividualSignals(t *testing.T) {
	s := New(DefaultWeights())

	tests := []struct {
		name string
		sig  Signals
		want int
	}{
		{
			name: "high flakiness rate",
			sig: Signals{
				RecentFlakinessRate: 25,
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 30,
		},
		{
			name: "flakiness rate at boundary does not trigger",
			sig: Signals{
				RecentFlakinessRate: 20,
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 0,
		},
		{
			name: "recent passes",
			sig: Signals{
				RecentOutcomes:      []string{"passed", "failed", "passed", "failed"},
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 25,
		},
		{
			name: "one pass is not enough",
			sig: Signals{
				RecentOutcomes:      []string{"passed", "failed", "failed"},
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 0,
		},
		{
			name: "skips excluded from the pass ratio",
			sig: Signals{
				// 2 of 4 executed; skips would otherwise dilute below 0.3.
				RecentOutcomes: []string{
					"passed", "skipped", "skipped", "skipped",
					"failed", "passed", "failed",
				},
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 25,
		},
		{
			name: "recurring error with later passes",
			sig: Signals{
				SignatureSeen:        true,
				SignaturePassedAfter: 3,
				HealthScore:          100,
				ConsecutiveFailures:  5,
			},
			want: 25,
		},
		{
			name: "recurring error never followed by a pass",
			sig: Signals{
				SignatureSeen:       true,
				HealthScore:         100,
				ConsecutiveFailures: 5,
			},
			want: 0,
		},
		{
			name: "short failure streak after passes",
			sig: Signals{
				ConsecutiveFailures: 1,
				ConsecutivePasses:   4,
				HealthScore:         100,
			},
			want: 15,
		},
		{
			name: "low health score",
			sig: Signals{
				HealthScore:         40,
				ConsecutiveFailures: 5,
			},
			want: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(tt.sig)
			assert.Equal(t, tt.want, res.Score)

			if tt.want > 0 {
				require.Len(t, res.Reasoning, 1)
			} else {
				assert.Empty(t, res.Reasoning)
			}
		})
	}
}

func TestScore_CappedAt100(t *testing.T) {
	s := New(DefaultWeights())

	// All five signals trigger: 30+25+25+15+10 = 105, capped.
	res := s.Score(Signals{
		RecentFlakinessRate:  50,
		RecentOutcomes:       []string{"passed", "passed", "failed"},
		SignatureSeen:        true,
		SignaturePassedAfter: 2,
		ConsecutiveFailures:  1,
		ConsecutivePasses:    3,
		HealthScore:          30,
	})

	assert.Equal(t, 100, res.Score)
	assert.Len(t, res.Reasoning, 5)
}

func TestScore_Deterministic(t *testing.T) {
	s := New(DefaultWeights())
	sig := Signals{
		RecentFlakinessRate: 30,
		RecentOutcomes:      []string{"passed", "failed", "passed"},
		HealthScore:         45,
	}

	first := s.Score(sig)
	second := s.Score(sig)

	assert.Equal(t, first, second)
}

func TestHighConfidence(t *testing.T) {
	assert.False(t, HighConfidence(74))
	assert.True(t, HighConfidence(75))
	assert.True(t, HighConfidence(100))
}
