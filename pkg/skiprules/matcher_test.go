package skiprules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		branch  string
		baseURL string
		want    MatchResult
	}{
		{
			name:   "no patterns is a global match",
			rule:   Rule{},
			branch: "main",
			want:   MatchResult{Matches: true},
		},
		{
			name:   "branch glob matches",
			rule:   Rule{BranchPattern: "release/*"},
			branch: "release/1.2",
			want:   MatchResult{Matches: true, MatchedBranch: true},
		},
		{
			name:   "branch glob misses",
			rule:   Rule{BranchPattern: "release/*"},
			branch: "main",
			want:   MatchResult{Matches: false},
		},
		{
			name:   "branch match is case-insensitive",
			rule:   Rule{BranchPattern: "Release/*"},
			branch: "RELEASE/2.0",
			want:   MatchResult{Matches: true, MatchedBranch: true},
		},
		{
			name:   "empty branch never matches a branch pattern",
			rule:   Rule{BranchPattern: "*"},
			branch: "",
			want:   MatchResult{Matches: false},
		},
		{
			name:    "env pattern matches hostname only",
			rule:    Rule{EnvPattern: "*.staging.example.com"},
			baseURL: "https://app.staging.example.com:8443/login",
			want:    MatchResult{Matches: true, MatchedEnv: true},
		},
		{
			name:    "env pattern does not match the full url",
			rule:    Rule{EnvPattern: "https://*"},
			baseURL: "https://app.example.com",
			want:    MatchResult{Matches: false},
		},
		{
			name:    "unparsable base url fails the env pattern",
			rule:    Rule{EnvPattern: "*"},
			baseURL: "://not-a-url",
			want:    MatchResult{Matches: false},
		},
		{
			name:    "both patterns are ANDed",
			rule:    Rule{BranchPattern: "main", EnvPattern: "*.prod.example.com"},
			branch:  "main",
			baseURL: "https://app.staging.example.com",
			want:    MatchResult{Matches: false, MatchedBranch: true},
		},
		{
			name:    "both patterns match",
			rule:    Rule{BranchPattern: "main", EnvPattern: "app.prod.example.com"},
			branch:  "main",
			baseURL: "https://app.prod.example.com",
			want:    MatchResult{Matches: true, MatchedBranch: true, MatchedEnv: true},
		},
		{
			name: "brace syntax is literal, not expanded",
			rule: Rule{BranchPattern: "{main,develop}"},

			branch: "main",
			want:   MatchResult{Matches: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.rule, tt.branch, tt.baseURL))
		})
	}
}

func TestFirstMatch(t *testing.T) {
	rules := []Rule{
		{ID: 3, BranchPattern: "hotfix/*", Reason: "newest"},
		{ID: 2, BranchPattern: "*", Reason: "catch-all"},
		{ID: 1, BranchPattern: "hotfix/*", Reason: "oldest"},
	}

	rule, res, ok := FirstMatch(rules, "hotfix/login", "")
	assert.True(t, ok)
	assert.Equal(t, uint(3), rule.ID)
	assert.True(t, res.MatchedBranch)

	rule, _, ok = FirstMatch(rules, "main", "")
	assert.True(t, ok)
	assert.Equal(t, uint(2), rule.ID)

	_, _, ok = FirstMatch(nil, "main", "")
	assert.False(t, ok)
}
