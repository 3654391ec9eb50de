// Package secrets redacts credentials from repository contents before they
// are placed in a prompt.
//
// Findings never carry the matched text, only the rule and position.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultRedaction replaces every detected secret.
const DefaultRedaction = "[REDACTED]"

// Rule defines a secret detection rule.
type Rule struct {
	ID          string
	Description string
	Pattern     string

	// Keywords gate the rule: when set, at least one must occur in the
	// content (case-insensitive) before the pattern is tried.
	Keywords []string
}

// Finding is a detected secret.
type Finding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber detects and redacts secrets. It is safe for concurrent use.
type Scrubber struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

// Option configures a Scrubber.
type Option func(*Scrubber) error

// WithAllowList skips matches that match any of the given patterns.
func WithAllowList(patterns ...string) Option {
	return func(s *Scrubber) error {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("allow list pattern %q: %w", p, err)
			}
			s.allow = append(s.allow, re)
		}
		return nil
	}
}

// WithRedaction sets the replacement text.
func WithRedaction(text string) Option {
	return func(s *Scrubber) error {
		s.redaction = text
		return nil
	}
}

// New compiles rules into a Scrubber. A nil rules slice uses DefaultRules.
func New(rules []Rule, opts ...Option) (*Scrubber, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	s := &Scrubber{redaction: DefaultRedaction}
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", r.ID, err)
		}
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kws = append(kws, strings.ToLower(kw))
		}
		s.rules = append(s.rules, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// MustNew is New that panics on error.
func MustNew(rules []Rule, opts ...Option) *Scrubber {
	s, err := New(rules, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

// Scrub returns content with every secret replaced, plus the findings.
// Overlapping matches are merged into one redaction.
func (s *Scrubber) Scrub(content string) (string, []Finding) {
	var (
		findings []Finding
		spans    []span
		lower    string
	)
	for _, r := range s.rules {
		if len(r.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(content)
			}
			if !containsAny(lower, r.keywords) {
				continue
			}
		}
		for _, m := range r.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{
				RuleID: r.id,
				Line:   strings.Count(content[:m[0]], "\n") + 1,
				Start:  m[0],
				End:    m[1],
			})
			spans = append(spans, span{m[0], m[1]})
		}
	}
	if len(spans) == 0 {
		return content, nil
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })

	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, sp := range merge(spans) {
		b.WriteString(content[last:sp.start])
		b.WriteString(s.redaction)
		last = sp.end
	}
	b.WriteString(content[last:])
	return b.String(), findings
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// merge sorts spans and joins overlapping or adjacent ones.
func merge(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	out := []span{spans[0]}
	for _, cur := range spans[1:] {
		last := &out[len(out)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}
