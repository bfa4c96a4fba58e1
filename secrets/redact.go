package secrets

import (
	"sort"
	"strings"
)

// Redacted replaces secret values in messages.
const Redacted = "[REDACTED]"

// Redact replaces every occurrence of any non-empty value in s. Longer
// values are replaced first so a secret containing another is fully hidden.
func Redact(s string, values []string) string {
	if s == "" || len(values) == 0 {
		return s
	}
	sorted := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			sorted = append(sorted, v)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	for _, v := range sorted {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}
