// Package moderation provides content filtering for job-conversation
// messages. It screens message text for banned terms and flags suspicious
// patterns (contact details, payment amounts) for human review before the
// message is persisted and delivered.
package moderation

import (
	"strings"
)

// Placeholder replaces the content of a rejected message. Clients render it
// verbatim.
const Placeholder = "[message removed by moderation]"

// defaultBannedTerms is the fixed banned-term list. Matching is
// case-insensitive substring search, so multi-word phrases work as-is.
var defaultBannedTerms = []string{
	"scam",
	"fraud",
	"pay outside",
	"cash only deal",
	"wire transfer",
	"western union",
	"bitcoin payment",
	"send gift card",
}

// Result is the outcome of checking one message.
type Result struct {
	// IsApproved is false only when a banned term matched. Suspicious
	// patterns alone never reject a message.
	IsApproved bool

	// Flags lists every hit, "profanity: <term>" entries first, then
	// "suspicious_pattern: <source>" entries.
	Flags []string

	// FilteredContent equals the original text when approved, and the
	// fixed placeholder when rejected.
	FilteredContent string
}

// Filter classifies message text against a banned-term list and a fixed set
// of suspicious-content patterns. A Filter is immutable after construction
// and safe for concurrent use.
type Filter struct {
	terms []string
}

// NewFilter creates a Filter with the default banned-term list.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultBannedTerms)
}

// NewFilterWithTerms creates a Filter with a custom banned-term list. Terms
// are lowercased once here so Check only lowercases the input.
func NewFilterWithTerms(terms []string) *Filter {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	return &Filter{terms: lowered}
}

// Check classifies text. It is pure and side-effect-free; the caller decides
// what to do with the result. Banned terms are matched case-insensitively
// as substrings; suspicious patterns run against the raw text and only add
// informational flags.
func (f *Filter) Check(text string) Result {
	result := Result{
		IsApproved:      true,
		Flags:           []string{},
		FilteredContent: text,
	}

	lowered := strings.ToLower(text)
	for _, term := range f.terms {
		if strings.Contains(lowered, term) {
			result.IsApproved = false
			result.Flags = append(result.Flags, "profanity: "+term)
		}
	}

	for _, p := range suspiciousPatterns {
		if p.re.MatchString(text) {
			result.Flags = append(result.Flags, "suspicious_pattern: "+p.source)
		}
	}

	if !result.IsApproved {
		result.FilteredContent = Placeholder
	}
	return result
}
