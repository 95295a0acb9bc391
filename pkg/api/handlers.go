package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/arbiter"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/skiprules"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/store"
)

// maxRequestBody bounds ingest and rule payloads.
const maxRequestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body: " + err.Error()})

		return false
	}

	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return 0, false
	}

	return uint(id), true
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleListTests(w http.ResponseWriter, r *http.Request) {
	repository := r.URL.Query().Get("repository")
	if repository == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"repository query parameter is required"})

		return
	}

	tests, err := s.store.ListTests(r.Context(), repository)
	if err != nil {
		s.log.WithError(err).Error("Listing tests failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing tests failed"})

		return
	}

	type testEntry struct {
		store.Test
		Tags []string `json:"tags,omitempty"`
	}

	entries := make([]testEntry, len(tests))
	for i := range tests {
		entries[i] = testEntry{Test: tests[i], Tags: tests[i].Tags()}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"tests": entries})
}

func (s *server) handleTestHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	test, err := s.store.GetTest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})

			return
		}

		s.log.WithError(err).Error("Loading test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading test failed"})

		return
	}

	health, err := s.store.GetHealth(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).Error("Loading health failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading health failed"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"test":   test,
		"tags":   test.Tags(),
		"health": health, // null until the first final-attempt result
	})
}

type skipCheckRequest struct {
	Branch  string `json:"branch"`
	BaseURL string `json:"base_url"`
}

type skipCheckResponse struct {
	ShouldSkip bool   `json:"should_skip"`
	Reason     string `json:"reason,omitempty"`
	RuleID     uint   `json:"rule_id,omitempty"`

	skiprules.MatchResult
}

// handleSkipCheck answers "should this test run in this context" from
// the active skip rules.
func (s *server) handleSkipCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req skipCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rules, err := s.store.ActiveSkipRules(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Loading skip rules failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading skip rules failed"})

		return
	}

	rule, res, matched := skiprules.FirstMatch(
		toMatcherRules(rules), req.Branch, req.BaseURL,
	)
	if !matched {
		writeJSON(w, http.StatusOK, skipCheckResponse{ShouldSkip: false})

		return
	}

	writeJSON(w, http.StatusOK, skipCheckResponse{
		ShouldSkip:  true,
		Reason:      rule.Reason,
		RuleID:      rule.ID,
		MatchResult: res,
	})
}

func toMatcherRules(rules []store.SkipRule) []skiprules.Rule {
	out := make([]skiprules.Rule, len(rules))
	for i, r := range rules {
		out[i] = skiprules.Rule{
			ID:            r.ID,
			BranchPattern: r.BranchPattern,
			EnvPattern:    r.EnvPattern,
			Reason:        r.Reason,
		}
	}

	return out
}

func (s *server) handleListSkipRules(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	rules, err := s.store.ActiveSkipRules(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Error("Loading skip rules failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading skip rules failed"})

		return
	}

	if rules == nil {
		rules = []store.SkipRule{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

type createSkipRuleRequest struct {
	BranchPattern string `json:"branch_pattern,omitempty"`
	EnvPattern    string `json:"env_pattern,omitempty"`
	Reason        string `json:"reason"`
}

func (s *server) handleCreateSkipRule(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req createSkipRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"reason is required"})

		return
	}

	if _, err := s.store.GetTest(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})

			return
		}

		s.log.WithError(err).Error("Loading test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading test failed"})

		return
	}

	rule := &store.SkipRule{
		TestID:        id,
		BranchPattern: req.BranchPattern,
		EnvPattern:    req.EnvPattern,
		Reason:        req.Reason,
	}

	if err := s.store.CreateSkipRule(r.Context(), rule); err != nil {
		s.log.WithError(err).Error("Creating skip rule failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"creating skip rule failed"})

		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// handleDisableSkipRules tombstones all active rules for a test, putting
// it back into normal execution.
func (s *server) handleDisableSkipRules(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := s.store.DisableSkipRules(r.Context(), id); err != nil {
		s.log.WithError(err).Error("Disabling skip rules failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"disabling skip rules failed"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handlePipelineVerdict(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	pv, err := s.engine.AnalyzePipeline(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).WithField("run_id", runID).
			Error("Pipeline analysis failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"pipeline analysis failed"})

		return
	}

	writeJSON(w, http.StatusOK, pv)
}

func (s *server) handleGetPromptTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.store.GetPromptTemplate(r.Context(), arbiter.DefaultTemplateName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No custom template saved yet; the built-in one is active.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"name":    arbiter.DefaultTemplateName,
				"content": arbiter.DefaultTemplate(),
				"version": 0,
			})

			return
		}

		s.log.WithError(err).Error("Loading prompt template failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading prompt template failed"})

		return
	}

	writeJSON(w, http.StatusOK, tpl)
}

type savePromptTemplateRequest struct {
	Content string `json:"content"`
}

func (s *server) handleSavePromptTemplate(w http.ResponseWriter, r *http.Request) {
	var req savePromptTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"content is required"})

		return
	}

	tpl, err := s.store.SavePromptTemplate(
		r.Context(), arbiter.DefaultTemplateName, req.Content,
	)
	if err != nil {
		s.log.WithError(err).Error("Saving prompt template failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"saving prompt template failed"})

		return
	}

	s.templates.Invalidate()

	writeJSON(w, http.StatusOK, tpl)
}

type ingestRequest struct {
	Run struct {
		RunID      string    `json:"run_id"`
		Repository string    `json:"repository"`
		Branch     string    `json:"branch,omitempty"`
		BaseURL    string    `json:"base_url,omitempty"`
		Status     string    `json:"status,omitempty"`
		StartedAt  time.Time `json:"started_at,omitempty"`
	} `json:"run"`

	Test struct {
		FilePath string   `json:"file_path"`
		Title    string   `json:"title"`
		Project  string   `json:"project,omitempty"`
		Tags     []string `json:"tags,omitempty"`
	} `json:"test"`

	Result struct {
		Status         string    `json:"status"`
		Outcome        string    `json:"outcome"`
		DurationMS     int64     `json:"duration_ms"`
		Retry          int       `json:"retry"`
		IsFinalAttempt bool      `json:"is_final_attempt"`
		ErrorMessage   string    `json:"error_message,omitempty"`
		ErrorStack     string    `json:"error_stack,omitempty"`
		StartedAt      time.Time `json:"started_at,omitempty"`
	} `json:"result"`
}

func (r *ingestRequest) validate() string {
	switch {
	case r.Run.RunID == "":
		return "run.run_id is required"
	case r.Run.Repository == "":
		return "run.repository is required"
	case r.Test.FilePath == "":
		return "test.file_path is required"
	case r.Test.Title == "":
		return "test.title is required"
	case r.Result.Status == "":
		return "result.status is required"
	}

	switch r.Result.Outcome {
	case store.OutcomeExpected, store.OutcomeUnexpected,
		store.OutcomeFlaky, store.OutcomeSkipped:
		return ""
	default:
		return "result.outcome must be one of expected, unexpected, flaky, skipped"
	}
}

// handleIngestResult accepts one test result from CI. The test and run
// are created on first sight; soft-deleted tests are restored. The
// derived data (error signatures, health snapshot) is updated inline so
// a verdict requested right after ingestion sees the new result.
func (s *server) handleIngestResult(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if msg := req.validate(); msg != "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{msg})

		return
	}

	ctx := r.Context()

	test := &store.Test{
		Repository: req.Run.Repository,
		FilePath:   req.Test.FilePath,
		Title:      req.Test.Title,
		Project:    req.Test.Project,
	}

	if len(req.Test.Tags) > 0 {
		if err := test.SetTags(req.Test.Tags); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid tags"})

			return
		}
	}

	if err := s.store.ResolveTest(ctx, test); err != nil {
		s.log.WithError(err).Error("Resolving test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"resolving test failed"})

		return
	}

	run := &store.Run{
		RunID:      req.Run.RunID,
		Repository: req.Run.Repository,
		Branch:     req.Run.Branch,
		BaseURL:    req.Run.BaseURL,
		Status:     req.Run.Status,
		StartedAt:  req.Run.StartedAt,
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	if err := s.store.ResolveRun(ctx, run); err != nil {
		s.log.WithError(err).Error("Resolving run failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"resolving run failed"})

		return
	}

	result := &store.TestResult{
		TestID:         test.ID,
		RunID:          run.ID,
		Status:         req.Result.Status,
		Outcome:        req.Result.Outcome,
		DurationMS:     req.Result.DurationMS,
		Retry:          req.Result.Retry,
		IsFinalAttempt: req.Result.IsFinalAttempt,
		ErrorMessage:   req.Result.ErrorMessage,
		ErrorStack:     req.Result.ErrorStack,
		StartedAt:      req.Result.StartedAt,
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = time.Now()
	}

	if err := s.store.InsertResult(ctx, result); err != nil {
		s.log.WithError(err).Error("Inserting result failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"inserting result failed"})

		return
	}

	if err := s.engine.RecordResult(ctx, run, result); err != nil {
		// The result row is already persisted; derived data catches up
		// on the next final-attempt result for this test.
		s.log.WithError(err).WithField("test_id", test.ID).
			Warn("Updating derived data failed")
	}

	writeJSON(w, http.StatusCreated, map[string]uint{
		"test_id":   test.ID,
		"run_id":    run.ID,
		"result_id": result.ID,
	})
}

type updateTagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var req updateTagsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.store.UpdateTestTags(r.Context(), id, req.Tags); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})

			return
		}

		s.log.WithError(err).Error("Updating tags failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"updating tags failed"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRemoveTest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if err := s.store.RemoveTest(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})

			return
		}

		s.log.WithError(err).Error("Removing test failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"removing test failed"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleReportRequest serves report artifacts from whichever backend is
// configured: a redirect to a presigned S3 URL, or the local directory.
func (s *server) handleReportRequest(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"missing report path"})

		return
	}

	switch {
	case s.presigner != nil:
		url, err := s.presigner.PresignGet(r.Context(), key)
		if err != nil {
			s.log.WithError(err).WithField("key", key).
				Error("Presigning report URL failed")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"presigning report url failed"})

			return
		}

		http.Redirect(w, r, url, http.StatusFound)
	case s.localServer != nil:
		s.localServer.serveFile(w, r, key)
	default:
		writeJSON(w, http.StatusNotFound,
			errorResponse{"no report backend configured"})
	}
}
