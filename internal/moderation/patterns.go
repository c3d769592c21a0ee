package moderation

import "regexp"

// suspiciousPattern pairs a compiled regexp with the source label reported
// in flags.
type suspiciousPattern struct {
	source string
	re     *regexp.Regexp
}

// Compiled once at package init and reused for every call, making them safe
// and efficient for concurrent use. These run against the raw (case-sensitive)
// text and are informational only: a hit flags the message for review but
// does not reject it.
var suspiciousPatterns = []suspiciousPattern{
	// phone matches common phone number formats such as 555-123-4567,
	// (555) 123-4567, +1 555 123 4567. Anchored to word-ish boundaries to
	// avoid matching digit runs inside identifiers.
	{source: "phone", re: regexp.MustCompile(`(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)},

	// email matches standard addresses.
	{source: "email", re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},

	// url matches http/https and www. links.
	{source: "url", re: regexp.MustCompile(`(https?://\S+|www\.\S+)`)},

	// dollar_amount matches prices like $50, $1,200.50.
	{source: "dollar_amount", re: regexp.MustCompile(`\$\d+(,\d{3})*(\.\d{2})?`)},
}
