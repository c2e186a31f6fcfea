// Package strings holds small helpers for identifier lists.
package strings

import (
	"strings"
)

// DedupeAndTrim trims every value, drops blanks and keeps the first
// occurrence of each remaining value. Enrichment (MAS) ids are normalized
// with it before they are stored or scheduled.
//
//	DedupeAndTrim([]string{" mas-1 ", "mas-2", "mas-1", ""})
//	// []string{"mas-1", "mas-2"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
