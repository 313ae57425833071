package queue

import (
	"regexp"
	"strings"
)

var headerLine = regexp.MustCompile(`(?i)phone`)

// ImportResult contains parsed contacts and skip statistics
type ImportResult struct {
	Contacts   []Contact
	Skipped    int
	Duplicates int
}

// ParseContacts parses a delimited contact list.
// Each line holds a phone and a name in either order; the separator is
// a tab, a semicolon or a comma, checked in that order per line.
// A first line mentioning "phone" is treated as a header.
// Lines without a phone-shaped column are skipped. Repeated phones keep
// their first occurrence.
func ParseContacts(data []byte) *ImportResult {
	result := &ImportResult{}

	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	start := 0
	if len(lines) > 0 && headerLine.MatchString(lines[0]) {
		start = 1
	}

	seen := make(map[string]struct{})
	for _, line := range lines[start:] {
		parts := splitRow(line)

		colA := parts[0]
		colB := ""
		if len(parts) > 1 {
			colB = parts[1]
		}

		aPhone, bPhone := LooksLikePhone(colA), LooksLikePhone(colB)

		var phone, name string
		switch {
		case aPhone:
			phone, name = NormalizePhone(colA), colB
		case bPhone:
			phone, name = NormalizePhone(colB), colA
		default:
			result.Skipped++
			continue
		}

		if _, dup := seen[phone]; dup {
			result.Duplicates++
			continue
		}
		seen[phone] = struct{}{}

		result.Contacts = append(result.Contacts, Contact{Phone: phone, Name: name})
	}

	return result
}

func splitRow(line string) []string {
	sep := ","
	switch {
	case strings.Contains(line, "\t"):
		sep = "\t"
	case strings.Contains(line, ";"):
		sep = ";"
	}

	parts := strings.Split(line, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
