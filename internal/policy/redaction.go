// Package policy holds content rules applied before text leaves the
// request path for durable memory.
package policy

import "regexp"

type rule struct {
	kind    string
	pattern *regexp.Regexp
	mask    string
}

// Rules run in order; cards are masked before phones so long digit runs
// are not reported as phone numbers.
var rules = []rule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// Redaction is the result of masking one text.
type Redaction struct {
	Text string
	// Kinds lists the rule kinds that matched, in rule order.
	Kinds []string
}

func (r Redaction) Changed() bool { return len(r.Kinds) > 0 }

// Redact masks every rule match in input.
func Redact(input string) Redaction {
	out := Redaction{Text: input}
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out.Text, r.mask)
		if next != out.Text {
			out.Kinds = append(out.Kinds, r.kind)
			out.Text = next
		}
	}
	return out
}

// RedactPII is Redact reduced to the masked text and whether anything matched.
func RedactPII(input string) (string, bool) {
	r := Redact(input)
	return r.Text, r.Changed()
}
