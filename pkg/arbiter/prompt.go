package arbiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTemplateName is the stored name of the active arbitration
// prompt template.
const DefaultTemplateName = "flakiness-arbitration"

// templateCacheTTL bounds how long a loaded template is reused before
// the store is consulted again. Saves invalidate the cache explicitly.
const templateCacheTTL = 30 * time.Second

// stackTraceMaxLines is how many stack lines are included in the prompt.
const stackTraceMaxLines = 15

// defaultTemplate is the built-in prompt used until a custom template is
// saved. The template is opaque text with named placeholders; the engine
// only performs substitution.
const defaultTemplate = `You are analyzing a failed automated test to decide whether the failure is flaky (caused by timing, environment or other non-deterministic factors) or a real bug in the code under test.

Test: {{testTitle}}
File: {{filePath}}

Error message:
{{errorMessage}}

Stack trace:
{{stackTrace}}

Recent execution history (newest first):
{{recentHistory}}

Similar errors seen before:
{{similarErrors}}

A heuristic analysis scored this failure {{heuristicScore}}/100 for flakiness, reasoning:
{{heuristicReasoning}}

Respond with a single JSON object and nothing else, with exactly these fields:
{"verdict": "flaky" or "real_bug", "confidence_adjustment": integer between -20 and 20, "reasoning": "one sentence"}`

// DefaultTemplate returns the built-in prompt template, used until a
// custom one is saved.
func DefaultTemplate() string {
	return defaultTemplate
}

// Render substitutes named placeholders of the form {{name}} with the
// supplied variable values. Unknown placeholders are left untouched so a
// malformed custom template degrades visibly rather than silently.
func Render(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}

	return strings.NewReplacer(pairs...).Replace(template)
}

// TruncateStack keeps the first maxLines lines of a stack trace and
// appends an explicit marker for what was dropped.
func TruncateStack(stack string, maxLines int) string {
	if stack == "" {
		return ""
	}

	lines := strings.Split(stack, "\n")
	if len(lines) <= maxLines {
		return stack
	}

	kept := strings.Join(lines[:maxLines], "\n")

	return fmt.Sprintf("%s\n(%d more lines)", kept, len(lines)-maxLines)
}

// TemplateLoader fetches the active template content from the backing
// store. An error or empty content falls back to the built-in template.
type TemplateLoader func(ctx context.Context) (string, error)

// Templates provides the active prompt template with a short-lived
// in-process cache, invalidated whenever a new version is saved.
type Templates struct {
	loader TemplateLoader

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// NewTemplates creates a template source backed by the given loader.
// A nil loader always serves the built-in template.
func NewTemplates(loader TemplateLoader) *Templates {
	return &Templates{loader: loader}
}

// Active returns the template to render. Loader failures are swallowed:
// the arbitration step must never block on template availability.
func (t *Templates) Active(ctx context.Context) string {
	if t.loader == nil {
		return defaultTemplate
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != "" && time.Since(t.fetchedAt) < templateCacheTTL {
		return t.cached
	}

	content, err := t.loader(ctx)
	if err != nil || content == "" {
		return defaultTemplate
	}

	t.cached = content
	t.fetchedAt = time.Now()

	return content
}

// Invalidate drops the cached template. Called when a new template
// version is saved.
func (t *Templates) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cached = ""
	t.fetchedAt = time.Time{}
}
