// Package phone canonicalizes user-supplied phone numbers to E.164.
package phone

import "strings"

// NormalizeE164 strips everything but digits and returns a +-prefixed
// number. Ten-digit input is assumed to be US/Canada and gains a leading
// country code. Junk input yields a junk number; validating the result
// is the caller's job.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}
