package store

import "strings"

// KeySeparator separates key segments in payload references.
const KeySeparator = "/"

// keyCutset is trimmed from both ends of keys and key segments.
const keyCutset = KeySeparator + " \t\r\n"

// NormalizeKey trims surrounding whitespace and key separators from key.
// It returns ErrReferenceInvalid (as an *Error) when nothing remains:
// empty strings, whitespace-only strings, and separator runs all fail.
// Interior separators are preserved.
func NormalizeKey(key string) (string, error) {
	trimmed := strings.Trim(key, keyCutset)
	if trimmed == "" {
		return "", NewError("", key, ErrReferenceInvalid, nil)
	}
	return trimmed, nil
}

// JoinKey joins key segments with a single separator, skipping segments
// that are empty after trimming. Segments are trimmed individually so
// callers can pass pre-slashed values without producing doubled
// separators.
func JoinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		trimmed := strings.Trim(seg, keyCutset)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	return strings.Join(parts, KeySeparator)
}
