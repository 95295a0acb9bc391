package arbiter

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out := Render("Test {{testTitle}} failed: {{errorMessage}}", map[string]string{
		"testTitle":    "checkout flow",
		"errorMessage": "timeout",
	})
	assert.Equal(t, "Test checkout flow failed: timeout", out)
}

func TestRender_UnknownPlaceholderKept(t *testing.T) {
	out := Render("hello {{missing}}", map[string]string{"testTitle": "x"})
	assert.Equal(t, "hello {{missing}}", out)
}

func TestTruncateStack(t *testing.T) {
	short := "line1\nline2"
	assert.Equal(t, short, TruncateStack(short, 15))

	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("frame %d", i))
	}

	out := TruncateStack(strings.Join(lines, "\n"), 15)
	assert.True(t, strings.HasSuffix(out, "(5 more lines)"))
	assert.Contains(t, out, "frame 14")
	assert.NotContains(t, out, "frame 15")

	assert.Equal(t, "", TruncateStack("", 15))
}

func TestTemplates_FallbackAndCache(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context) (string, error) {
		calls++

		return "custom {{testTitle}}", nil
	}

	tpls := NewTemplates(loader)

	assert.Equal(t, "custom {{testTitle}}", tpls.Active(context.Background()))
	assert.Equal(t, "custom {{testTitle}}", tpls.Active(context.Background()))
	assert.Equal(t, 1, calls, "second read must be served from cache")

	tpls.Invalidate()
	assert.Equal(t, "custom {{testTitle}}", tpls.Active(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestTemplates_LoaderFailureUsesBuiltin(t *testing.T) {
	tpls := NewTemplates(func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("db down")
	})

	active := tpls.Active(context.Background())
	require.NotEmpty(t, active)
	assert.Equal(t, DefaultTemplate(), active)
}

func TestTemplates_NilLoader(t *testing.T) {
	tpls := NewTemplates(nil)
	assert.Equal(t, DefaultTemplate(), tpls.Active(context.Background()))
}
