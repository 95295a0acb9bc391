// Package skiprules decides, ahead of execution, whether a persisted
// "do not run" rule applies to a given run context.
package skiprules

import (
	"net/url"
	"strings"

	"github.com/ryanuber/go-glob"
)

// Rule is the pattern scope of a single skip rule. A rule with neither
// pattern set matches every context (a global skip).
type Rule struct {
	ID            uint
	BranchPattern string
	EnvPattern    string
	Reason        string
}

// MatchResult reports which pattern fields of a rule matched.
type MatchResult struct {
	Matches       bool `json:"matches"`
	MatchedBranch bool `json:"matched_branch,omitempty"`
	MatchedEnv    bool `json:"matched_env,omitempty"`
}

// Match evaluates one rule against the run context. Set pattern fields
// are ANDed: all must match. BranchPattern is matched case-insensitively
// as a glob against the branch; EnvPattern against the hostname parsed
// from baseURL (not the full URL). An absent branch or unparsable
// baseURL fails the corresponding pattern.
//
// Patterns support "*" wildcards only; brace and extglob syntax is
// treated literally, so pathological pattern costs are impossible.
func Match(rule Rule, branch, baseURL string) MatchResult {
	res := MatchResult{Matches: true}

	if rule.BranchPattern != "" {
		res.MatchedBranch = branch != "" && globMatch(rule.BranchPattern, branch)
		if !res.MatchedBranch {
			res.Matches = false
		}
	}

	if rule.EnvPattern != "" {
		host := hostname(baseURL)

		res.MatchedEnv = host != "" && globMatch(rule.EnvPattern, host)
		if !res.MatchedEnv {
			res.Matches = false
		}
	}

	return res
}

// FirstMatch evaluates rules in the given order and returns the first
// that matches. Rules are ORed: one matching rule is enough. The store
// hands rules over newest first, so recency decides ties.
func FirstMatch(rules []Rule, branch, baseURL string) (Rule, MatchResult, bool) {
	for _, rule := range rules {
		if res := Match(rule, branch, baseURL); res.Matches {
			return rule, res, true
		}
	}

	return Rule{}, MatchResult{}, false
}

func globMatch(pattern, subject string) bool {
	return glob.Glob(strings.ToLower(pattern), strings.ToLower(subject))
}

// hostname extracts the host (without port) from a base URL. Returns ""
// when the URL is absent or unparsable.
func hostname(baseURL string) string {
	if baseURL == "" {
		return ""
	}

	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}

	return u.Hostname()
}
