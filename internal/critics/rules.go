// Package critics maps tasks to their required reviewers and decides
// completion or remediation from the verdicts recorded so far.
package critics

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule requires a set of critics for every task id matching Pattern.
// In Pattern, '*' matches any run of characters including dots and '?'
// matches one character.
type Rule struct {
	Pattern         string   `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	RequiredCritics []string `mapstructure:"required_critics" yaml:"required_critics" json:"required_critics"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Rules is an ordered rule set. The first matching rule wins.
type Rules struct {
	rules []compiledRule
}

// CompileRules validates and compiles rules in order.
func CompileRules(rules []Rule) (*Rules, error) {
	out := &Rules{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("critic rule %d: empty pattern", i)
		}
		re, err := regexp.Compile(globToRegexp(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("critic rule %d (%s): %w", i, r.Pattern, err)
		}
		for _, c := range r.RequiredCritics {
			if strings.TrimSpace(c) == "" {
				return nil, fmt.Errorf("critic rule %d (%s): empty critic name", i, r.Pattern)
			}
		}
		out.rules = append(out.rules, compiledRule{Rule: r, re: re})
	}
	return out, nil
}

// Required returns the critics required for taskID, or nil when no rule
// matches.
func (r *Rules) Required(taskID string) []string {
	if r == nil {
		return nil
	}
	for _, cr := range r.rules {
		if cr.re.MatchString(taskID) {
			return append([]string(nil), cr.RequiredCritics...)
		}
	}
	return nil
}

// Match returns the first rule matching taskID.
func (r *Rules) Match(taskID string) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	for _, cr := range r.rules {
		if cr.re.MatchString(taskID) {
			return cr.Rule, true
		}
	}
	return Rule{}, false
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
