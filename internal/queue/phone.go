package queue

import (
	"regexp"
	"strings"
)

var (
	nonPhoneChars = regexp.MustCompile(`[^\d+]`)
	phoneShape    = regexp.MustCompile(`^\+?\d{10,15}$`)
)

// NormalizePhone converts a free-form phone number to the +<digits> form.
// Numbers starting with 8 or 7 are treated as Russian trunk prefixes.
func NormalizePhone(val string) string {
	p := nonPhoneChars.ReplaceAllString(val, "")

	switch {
	case strings.HasPrefix(p, "8"), strings.HasPrefix(p, "7"):
		p = "+7" + p[1:]
	}

	if !strings.HasPrefix(p, "+") && len(p) >= 10 {
		p = "+" + p
	}

	return p
}

// LooksLikePhone reports whether val normalizes to 10-15 digits
func LooksLikePhone(val string) bool {
	return phoneShape.MatchString(NormalizePhone(val))
}
