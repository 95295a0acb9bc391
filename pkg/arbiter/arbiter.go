// Package arbiter sends a structured prompt about a failing test to an
// external text-completion collaborator and returns a bounded score
// adjustment. It is an optional enrichment step: absence, transport
// failure or a malformed response all degrade to "no adjustment" and
// never propagate as an error.
package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/vigneshrajsb/playwright-manager-sub001/pkg/config"
	"golang.org/x/time/rate"
)

// Verdict values the collaborator may return.
const (
	VerdictFlaky   = "flaky"
	VerdictRealBug = "real_bug"
)

// MaxAdjustment bounds the score adjustment in either direction.
const MaxAdjustment = 20

const (
	completionTemperature = 0.1
	completionMaxTokens   = 300
	maxResponseBytes      = 64 * 1024
)

// Request carries everything the prompt needs about one failing test.
type Request struct {
	TestTitle          string
	FilePath           string
	ErrorMessage       string
	StackTrace         string
	RecentHistory      []string
	SimilarErrors      string
	HeuristicScore     int
	HeuristicReasoning []string
}

// Analysis is the collaborator's parsed answer. Adjustment is clamped to
// [-MaxAdjustment, MaxAdjustment].
type Analysis struct {
	Verdict    string `json:"verdict"`
	Adjustment int    `json:"adjustment"`
	Reasoning  string `json:"reasoning"`
}

// Client is the arbitration collaborator client. A nil *Client is a
// valid "not configured" client whose Analyze always returns nil.
type Client struct {
	log       logrus.FieldLogger
	cfg       *config.ArbitrationConfig
	http      *http.Client
	limiter   *rate.Limiter
	templates *Templates
}

// New creates a client from configuration. Returns nil (not an error)
// when arbitration is not enabled.
func New(
	log logrus.FieldLogger,
	cfg *config.ArbitrationConfig,
	templates *Templates,
) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing arbitration timeout: %w", err)
	}

	if templates == nil {
		templates = NewTemplates(nil)
	}

	return &Client{
		log:       log.WithField("component", "arbiter"),
		cfg:       cfg,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		templates: templates,
	}, nil
}

// Analyze performs one request/response exchange with the collaborator
// and returns its parsed analysis, or nil when no adjustment should be
// applied. It makes a single attempt: any failure degrades silently.
func (c *Client) Analyze(ctx context.Context, req Request) *Analysis {
	if c == nil {
		return nil
	}

	if !c.limiter.Allow() {
		c.log.Debug("Arbitration request budget exhausted, skipping")

		return nil
	}

	prompt := c.renderPrompt(ctx, req)

	completion, err := c.complete(ctx, prompt)
	if err != nil {
		c.log.WithError(err).Warn("Arbitration call failed, using heuristic score only")

		return nil
	}

	analysis, err := parseAnalysis(completion)
	if err != nil {
		c.log.WithError(err).Warn("Malformed arbitration response, using heuristic score only")

		return nil
	}

	return analysis
}

func (c *Client) renderPrompt(ctx context.Context, req Request) string {
	history := strings.Join(req.RecentHistory, ", ")
	if history == "" {
		history = "(no recent executions)"
	}

	similar := req.SimilarErrors
	if similar == "" {
		similar = "(none recorded)"
	}

	return Render(c.templates.Active(ctx), map[string]string{
		"testTitle":          req.TestTitle,
		"filePath":           req.FilePath,
		"errorMessage":       req.ErrorMessage,
		"stackTrace":         TruncateStack(req.StackTrace, stackTraceMaxLines),
		"recentHistory":      history,
		"similarErrors":      similar,
		"heuristicScore":     strconv.Itoa(req.HeuristicScore),
		"heuristicReasoning": strings.Join(req.HeuristicReasoning, "; "),
	})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete performs the single HTTP exchange against an OpenAI-style
// chat completion endpoint.
func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: completionTemperature,
		MaxTokens:   completionMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(payload),
	)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned %d", resp.StatusCode)
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}

	return cr.Choices[0].Message.Content, nil
}

// rawAnalysis is the strict single-object shape the collaborator is
// asked to produce. Decoding is weakly typed because models sometimes
// return the adjustment as a string or float.
type rawAnalysis struct {
	Verdict    string `mapstructure:"verdict"`
	Adjustment int    `mapstructure:"confidence_adjustment"`
	Reasoning  string `mapstructure:"reasoning"`
}

// parseAnalysis extracts the first JSON object from the completion text
// and validates it.
func parseAnalysis(completion string) (*Analysis, error) {
	objText, ok := extractJSONObject(completion)
	if !ok {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(objText), &fields); err != nil {
		return nil, fmt.Errorf("decoding completion object: %w", err)
	}

	var raw rawAnalysis

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building decoder: %w", err)
	}

	if err := dec.Decode(fields); err != nil {
		return nil, fmt.Errorf("mapping completion object: %w", err)
	}

	if raw.Verdict != VerdictFlaky && raw.Verdict != VerdictRealBug {
		return nil, fmt.Errorf("unexpected verdict %q", raw.Verdict)
	}

	adjustment := raw.Adjustment
	if adjustment > MaxAdjustment {
		adjustment = MaxAdjustment
	}

	if adjustment < -MaxAdjustment {
		adjustment = -MaxAdjustment
	}

	return &Analysis{
		Verdict:    raw.Verdict,
		Adjustment: adjustment,
		Reasoning:  raw.Reasoning,
	}, nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// the text, tolerating surrounding prose or code fences.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}

			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}

	return "", false
}
