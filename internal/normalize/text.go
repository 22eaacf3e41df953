package normalize

import "strings"

func Trim(value string) string {
	return strings.TrimSpace(value)
}

func Lower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func EqualFoldTrimmed(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Collapse trims value and folds internal whitespace runs to single spaces.
func Collapse(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// placeholderIdentities are values scanners emit when they could not resolve an asset.
var placeholderIdentities = map[string]struct{}{
	"":        {},
	"unknown": {},
	"n/a":     {},
	"na":      {},
	"none":    {},
	"-":       {},
}

// IsPlaceholder reports whether value carries no real identity.
func IsPlaceholder(value string) bool {
	_, ok := placeholderIdentities[Lower(value)]
	return ok
}

// Unique returns the trimmed, non-empty values of in with duplicates removed, preserving
// first-seen order. Comparison is case-insensitive; the first spelling wins.
func Unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = Trim(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
