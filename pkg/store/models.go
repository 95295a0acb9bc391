package store

import (
	"encoding/json"
	"time"
)

// Result status constants, mirroring the runner's reported statuses.
const (
	StatusPassed      = "passed"
	StatusFailed      = "failed"
	StatusTimedOut    = "timed_out"
	StatusSkipped     = "skipped"
	StatusInterrupted = "interrupted"
)

// Outcome classification constants. "flaky" means the test eventually
// passed after automatic retries within the same run.
const (
	OutcomeExpected   = "expected"
	OutcomeUnexpected = "unexpected"
	OutcomeFlaky      = "flaky"
	OutcomeSkipped    = "skipped"
)

// Health trend constants.
const (
	TrendCritical  = "critical"
	TrendDegrading = "degrading"
	TrendImproving = "improving"
	TrendStable    = "stable"
)

// Test represents a single test case, unique per repository by
// (file path, title, project). Soft-deleted tests keep their history
// and are restored automatically when a new result is observed.
type Test struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Repository string `gorm:"not null;uniqueIndex:idx_tests_identity" json:"repository"`
	FilePath   string `gorm:"not null;uniqueIndex:idx_tests_identity" json:"file_path"`
	Title      string `gorm:"not null;uniqueIndex:idx_tests_identity" json:"title"`
	Project    string `gorm:"uniqueIndex:idx_tests_identity" json:"project"`

	// Tags serialized as a JSON array.
	TagsJSON string `gorm:"type:text" json:"-"`

	RemovedAt *time.Time `json:"removed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Tags decodes the serialized tag set.
func (t *Test) Tags() []string {
	if t.TagsJSON == "" {
		return nil
	}

	var tags []string
	if err := json.Unmarshal([]byte(t.TagsJSON), &tags); err != nil {
		return nil
	}

	return tags
}

// SetTags encodes the tag set for storage.
func (t *Test) SetTags(tags []string) error {
	if len(tags) == 0 {
		t.TagsJSON = ""

		return nil
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}

	t.TagsJSON = string(data)

	return nil
}

// Run represents one CI pipeline execution that produced test results.
type Run struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// RunID is the external pipeline identifier supplied by CI.
	RunID      string `gorm:"not null;uniqueIndex" json:"run_id"`
	Repository string `gorm:"index" json:"repository"`
	Branch     string `json:"branch"`
	BaseURL    string `json:"base_url"`
	Status     string `json:"status"`

	StartedAt time.Time `json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TestResult is one execution outcome of a test within a run. Rows are
// immutable once written; only the final attempt of a test within a run
// counts toward health statistics.
type TestResult struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TestID uint `gorm:"not null;index:idx_results_test" json:"test_id"`
	RunID  uint `gorm:"not null;index:idx_results_run" json:"run_id"`

	Status  string `gorm:"not null" json:"status"`
	Outcome string `gorm:"not null" json:"outcome"`

	DurationMS     int64  `json:"duration_ms"`
	Retry          int    `json:"retry"`
	IsFinalAttempt bool   `gorm:"index:idx_results_test" json:"is_final_attempt"`
	ErrorMessage   string `gorm:"type:text" json:"error_message,omitempty"`
	ErrorStack     string `gorm:"type:text" json:"error_stack,omitempty"`

	StartedAt time.Time `gorm:"index:idx_results_test" json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TestHealth is the rolling health snapshot for a test, recomputed and
// overwritten in place on every new final-attempt result.
type TestHealth struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TestID uint `gorm:"not null;uniqueIndex" json:"test_id"`

	TotalRuns    int `json:"total_runs"`
	PassedCount  int `json:"passed_count"`
	FailedCount  int `json:"failed_count"`
	SkippedCount int `json:"skipped_count"`
	FlakyCount   int `json:"flaky_count"`

	PassRate      float64 `json:"pass_rate"`
	FlakinessRate float64 `json:"flakiness_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	HealthScore   int     `json:"health_score"`
	Trend         string  `json:"trend"`

	ConsecutivePasses   int `json:"consecutive_passes"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	LastPassAt *time.Time `json:"last_pass_at,omitempty"`
	LastFailAt *time.Time `json:"last_fail_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorSignature tracks recurrence of a normalized error for a test.
// Rows are never deleted automatically; they act purely as a recurrence
// oracle for the heuristic scorer.
type ErrorSignature struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TestID uint `gorm:"not null;uniqueIndex:idx_signatures_test_hash" json:"test_id"`

	// ErrorHash is the sha256 hex digest of the normalized error message.
	ErrorHash string `gorm:"not null;uniqueIndex:idx_signatures_test_hash" json:"error_hash"`

	OccurrenceCount  int `json:"occurrence_count"`
	PassedAfterCount int `json:"passed_after_count"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// SkipRule is a persisted instruction to exclude a test from execution,
// optionally scoped to a branch and/or environment glob pattern. Rules
// are tombstoned rather than removed when the test is re-enabled.
type SkipRule struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	TestID uint `gorm:"not null;index" json:"test_id"`

	BranchPattern string `json:"branch_pattern,omitempty"`
	EnvPattern    string `json:"env_pattern,omitempty"`
	Reason        string `gorm:"not null" json:"reason"`

	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PromptTemplate is a user-editable prompt asset used by the arbitration
// step. Saving bumps the version so in-process caches can be invalidated.
type PromptTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null;uniqueIndex" json:"name"`
	Content   string    `gorm:"type:text" json:"content"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User represents an authenticated user seeded from configuration.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
