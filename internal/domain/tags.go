package domain

import (
	"slices"
	"strings"
)

// NormalizeTag lowercases the tag, trims it and collapses inner whitespace runs
// to a single space.
func NormalizeTag(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// NormalizeTags normalizes every tag and drops empties and duplicates, keeping
// first-seen order.
func NormalizeTags(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		normalized := NormalizeTag(tag)
		if normalized == "" || slices.Contains(out, normalized) {
			continue
		}
		out = append(out, normalized)
	}
	return out
}

// AddTag appends the normalized tag. The second result is false when the tag
// is empty or already present, in which case tags is returned unchanged.
func AddTag(tags []string, raw string) ([]string, bool) {
	normalized := NormalizeTag(raw)
	if normalized == "" || slices.Contains(tags, normalized) {
		return tags, false
	}
	next := make([]string, 0, len(tags)+1)
	next = append(next, tags...)
	return append(next, normalized), true
}

func RemoveTag(tags []string, tag string) []string {
	next := make([]string, 0, len(tags))
	for _, existing := range tags {
		if existing != tag {
			next = append(next, existing)
		}
	}
	return next
}
