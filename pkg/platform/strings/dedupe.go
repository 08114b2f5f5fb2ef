// Package strings holds small list helpers shared by request validation.
package strings

import "strings"

// DedupeAndTrimLower trims and lowercases each value, then drops empties and
// repeats. The first occurrence keeps its position.
func DedupeAndTrimLower(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
