package prompt

import (
	"regexp"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// PII detection flags prompts carrying obvious personal identifiers so the
// metadata can drive downstream handling. Detection never mutates the
// prompt itself.
var piiPatterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// E.164-ish phone numbers, 10+ digits with optional separators.
	regexp.MustCompile(`\+?\d[\d\s().\-]{8,}\d`),
	// Card-number-shaped runs of 13 to 16 digits.
	regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
}

func detectPII(messages []provider.Message) bool {
	for _, m := range messages {
		for _, p := range piiPatterns {
			if p.MatchString(m.Content) {
				return true
			}
		}
	}
	return false
}
