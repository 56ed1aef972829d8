package framer

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps a tail pattern of the error stream to a prompt kind.
type Rule struct {
	Pattern *regexp.Regexp
	Kind    PromptKind
}

// RuleSpec is the textual form of a Rule, as found in configuration.
type RuleSpec struct {
	Pattern string     `yaml:"pattern"`
	Kind    PromptKind `yaml:"kind"`
}

// Matcher tests the tail of a buffer against an ordered list of rules.
// The first matching rule wins.
type Matcher struct {
	rules []Rule
}

// DefaultRuleSpecs are the prompt conventions of the CPython REPL.
var DefaultRuleSpecs = []RuleSpec{
	{Pattern: `>>> ?$`, Kind: PromptStandard},
	{Pattern: `\.\.\. ?$`, Kind: PromptContinuation},
}

// NewMatcher returns a Matcher over rules, in order.
func NewMatcher(rules ...Rule) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...)}
}

// DefaultMatcher returns the matcher for DefaultRuleSpecs.
func DefaultMatcher() *Matcher {
	m, err := CompileRules(DefaultRuleSpecs)
	if err != nil {
		panic(err)
	}
	return m
}

// CompileRules builds a Matcher from textual rules. Patterns are anchored
// to the end of the buffer if they are not already.
func CompileRules(specs []RuleSpec) (*Matcher, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one prompt rule is required")
	}
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		switch spec.Kind {
		case PromptStandard, PromptContinuation:
		default:
			return nil, fmt.Errorf("prompt rule %d: unknown kind %q", i, spec.Kind)
		}
		pattern := spec.Pattern
		if pattern == "" {
			return nil, fmt.Errorf("prompt rule %d: empty pattern", i)
		}
		if !strings.HasSuffix(pattern, "$") {
			pattern += "$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("prompt rule %d: %w", i, err)
		}
		rules = append(rules, Rule{Pattern: re, Kind: spec.Kind})
	}
	return NewMatcher(rules...), nil
}

// Match reports whether the tail of s is a prompt. start is the offset of
// the matched prompt text within s.
func (m *Matcher) Match(s string) (kind PromptKind, start int, ok bool) {
	for _, r := range m.rules {
		loc := r.Pattern.FindStringIndex(s)
		if loc == nil {
			continue
		}
		return r.Kind, loc[0], true
	}
	return "", 0, false
}
