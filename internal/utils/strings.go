package utils

import "strings"

// ParseCSV splits a comma-separated list into trimmed, non-empty values.
// Config values (account ids, CORS origins, timeframes) and query parameters
// like ?expiries=... arrive in this form. Empty or all-whitespace input
// yields nil.
func ParseCSV(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(s, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
