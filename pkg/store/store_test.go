package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	st := New(logrus.New(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "store-test.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func makeTest(t *testing.T, st Store, title string) *Test {
	t.Helper()

	test := &Test{
		Repository: "acme/webshop",
		FilePath:   "specs/checkout.spec.ts",
		Title:      title,
		Project:    "chromium",
	}
	require.NoError(t, st.ResolveTest(context.Background(), test))
	require.NotZero(t, test.ID)

	return test
}

func TestResolveTest_IdempotentAndRestoring(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := makeTest(t, st, "completes checkout")
	second := makeTest(t, st, "completes checkout")
	assert.Equal(t, first.ID, second.ID)

	// Same title under a different project is a different test.
	other := &Test{
		Repository: first.Repository,
		FilePath:   first.FilePath,
		Title:      first.Title,
		Project:    "firefox",
	}
	require.NoError(t, st.ResolveTest(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)

	// Removing then resolving restores the test with its identity.
	require.NoError(t, st.RemoveTest(ctx, first.ID))

	removed, err := st.GetTest(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, removed.RemovedAt)

	restored := makeTest(t, st, "completes checkout")
	assert.Equal(t, first.ID, restored.ID)
	assert.Nil(t, restored.RemovedAt)
}

func TestRemoveTest_NotFoundAndListFiltering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, st.RemoveTest(ctx, 12345), ErrNotFound)

	kept := makeTest(t, st, "kept")
	gone := makeTest(t, st, "gone")
	require.NoError(t, st.RemoveTest(ctx, gone.ID))

	tests, err := st.ListTests(ctx, "acme/webshop")
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, kept.ID, tests[0].ID)
}

func TestUpdateTestTags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "tagged")

	require.NoError(t, st.UpdateTestTags(ctx, test.ID, []string{"smoke", "checkout"}))

	got, err := st.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"smoke", "checkout"}, got.Tags())

	require.NoError(t, st.UpdateTestTags(ctx, test.ID, nil))

	got, err = st.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Tags())

	assert.ErrorIs(t, st.UpdateTestTags(ctx, 12345, []string{"x"}), ErrNotFound)
}

func TestRecentFinalResults_OrderAndLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "ordering")
	run := &Run{RunID: "run-1", Repository: test.Repository}
	require.NoError(t, st.ResolveRun(ctx, run))

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	for i := 0; i < MaxRecentResults+10; i++ {
		require.NoError(t, st.InsertResult(ctx, &TestResult{
			TestID:         test.ID,
			RunID:          run.ID,
			Status:         StatusPassed,
			Outcome:        OutcomeExpected,
			IsFinalAttempt: true,
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Retries must not appear.
	require.NoError(t, st.InsertResult(ctx, &TestResult{
		TestID:    test.ID,
		RunID:     run.ID,
		Status:    StatusFailed,
		Outcome:   OutcomeUnexpected,
		StartedAt: base.Add(100 * time.Hour),
	}))

	results, err := st.RecentFinalResults(ctx, test.ID, 0)
	require.NoError(t, err)
	require.Len(t, results, MaxRecentResults)

	// Newest first.
	for i := 1; i < len(results); i++ {
		assert.False(t, results[i].StartedAt.After(results[i-1].StartedAt))
	}

	limited, err := st.RecentFinalResults(ctx, test.ID, 5)
	require.NoError(t, err)
	assert.Len(t, limited, 5)
}

func TestUnexpectedFinalFailures(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "failing")
	run := &Run{RunID: "run-1", Repository: test.Repository}
	require.NoError(t, st.ResolveRun(ctx, run))

	now := time.Now()

	// Final unexpected failure: included.
	require.NoError(t, st.InsertResult(ctx, &TestResult{
		TestID: test.ID, RunID: run.ID,
		Status: StatusFailed, Outcome: OutcomeUnexpected,
		IsFinalAttempt: true, StartedAt: now,
	}))

	// Retry (non-final) failure: excluded.
	require.NoError(t, st.InsertResult(ctx, &TestResult{
		TestID: test.ID, RunID: run.ID,
		Status: StatusFailed, Outcome: OutcomeUnexpected,
		StartedAt: now,
	}))

	// Flaky recovery: excluded.
	require.NoError(t, st.InsertResult(ctx, &TestResult{
		TestID: test.ID, RunID: run.ID,
		Status: StatusPassed, Outcome: OutcomeFlaky,
		IsFinalAttempt: true, StartedAt: now,
	}))

	failures, err := st.UnexpectedFinalFailures(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].IsFinalAttempt)
	assert.Equal(t, OutcomeUnexpected, failures[0].Outcome)
}

func TestUpsertHealth_Overwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "health")

	require.NoError(t, st.UpsertHealth(ctx, &TestHealth{
		TestID: test.ID, TotalRuns: 5, HealthScore: 80, Trend: TrendStable,
	}))
	require.NoError(t, st.UpsertHealth(ctx, &TestHealth{
		TestID: test.ID, TotalRuns: 6, HealthScore: 60, Trend: TrendDegrading,
	}))

	h, err := st.GetHealth(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, h.TotalRuns)
	assert.Equal(t, 60, h.HealthScore)
	assert.Equal(t, TrendDegrading, h.Trend)
}

func TestSignatureLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "signatures")
	hash := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	t0 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordSignatureOccurrence(ctx, test.ID, hash, t0))
	require.NoError(t, st.RecordSignatureOccurrence(ctx, test.ID, hash, t0.Add(time.Hour)))

	sig, err := st.GetSignature(ctx, test.ID, hash)
	require.NoError(t, err)
	assert.Equal(t, 2, sig.OccurrenceCount)
	assert.Equal(t, 0, sig.PassedAfterCount)

	// A pass after the last occurrence credits the signature.
	require.NoError(t, st.MarkSignaturesPassed(ctx, test.ID, t0))

	sig, err = st.GetSignature(ctx, test.ID, hash)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.PassedAfterCount)

	// A pass that predates the occurrence does not.
	require.NoError(t, st.MarkSignaturesPassed(ctx, test.ID, t0.Add(2*time.Hour)))

	sig, err = st.GetSignature(ctx, test.ID, hash)
	require.NoError(t, err)
	assert.Equal(t, 1, sig.PassedAfterCount)

	_, err = st.GetSignature(ctx, test.ID, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkipRules_OrderAndDisable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "skipped")

	for i, reason := range []string{"first", "second", "third"} {
		require.NoError(t, st.CreateSkipRule(ctx, &SkipRule{
			TestID:    test.ID,
			Reason:    reason,
			CreatedAt: time.Date(2026, 3, 14, i, 0, 0, 0, time.UTC),
		}))
	}

	rules, err := st.ActiveSkipRules(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	// Newest first.
	assert.Equal(t, "third", rules[0].Reason)
	assert.Equal(t, "first", rules[2].Reason)

	require.NoError(t, st.DisableSkipRules(ctx, test.ID))

	rules, err = st.ActiveSkipRules(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestSavePromptTemplate_Versioning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.GetPromptTemplate(ctx, "arbitration")
	assert.ErrorIs(t, err, ErrNotFound)

	tpl, err := st.SavePromptTemplate(ctx, "arbitration", "v1 content")
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Version)

	tpl, err = st.SavePromptTemplate(ctx, "arbitration", "v2 content")
	require.NoError(t, err)
	assert.Equal(t, 2, tpl.Version)
	assert.Equal(t, "v2 content", tpl.Content)
}

func TestSeedUsers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SeedUsers(ctx, []config.BasicAuthUser{
		{Username: "ci-bot", Password: "hunter2", Role: "admin"},
	}))

	u, err := st.GetUserByUsername(ctx, "ci-bot")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(u.PasswordHash), []byte("hunter2")))

	// Reseeding updates the password in place.
	require.NoError(t, st.SeedUsers(ctx, []config.BasicAuthUser{
		{Username: "ci-bot", Password: "correct-horse"},
	}))

	u, err = st.GetUserByUsername(ctx, "ci-bot")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(u.PasswordHash), []byte("correct-horse")))

	_, err = st.GetUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeRunsBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	test := makeTest(t, st, "retention")

	old := &Run{
		RunID:      "old-run",
		Repository: test.Repository,
		CreatedAt:  time.Now().Add(-100 * 24 * time.Hour),
	}
	require.NoError(t, st.ResolveRun(ctx, old))

	fresh := &Run{RunID: "fresh-run", Repository: test.Repository}
	require.NoError(t, st.ResolveRun(ctx, fresh))

	for _, run := range []*Run{old, fresh} {
		require.NoError(t, st.InsertResult(ctx, &TestResult{
			TestID: test.ID, RunID: run.ID,
			Status: StatusPassed, Outcome: OutcomeExpected,
			IsFinalAttempt: true, StartedAt: time.Now(),
		}))
	}

	purged, err := st.PurgeRunsBefore(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = st.GetRun(ctx, "old-run")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetRun(ctx, "fresh-run")
	assert.NoError(t, err)

	// The fresh run's result survives; the test itself is untouched.
	results, err := st.RecentFinalResults(ctx, test.ID, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	_, err = st.GetTest(ctx, test.ID)
	assert.NoError(t, err)
}
