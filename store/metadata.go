package store

import "time"

// MetaExpiresAt is the metadata key under which stores record the
// requested payload expiry. Object-store backends prefix user metadata
// themselves (S3 adds x-amz-meta-), so the key carries no backend prefix.
const MetaExpiresAt = "expires-at"

// FormatExpiry renders an expiry instant as an RFC 3339 UTC string with
// nanosecond precision. The output round-trips through ParseExpiry.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseExpiry parses a string produced by FormatExpiry.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// MergeMetadata merges metadata maps in ascending precedence order: later
// maps override earlier ones. Nil maps are skipped and the result is
// always a fresh map, so callers can hand it to SDK request structs
// without aliasing store-configured defaults.
//
// Stores build upload metadata from three layers: static store-level
// entries first, the expiry marker second, and a final enforcement layer
// re-applied after any caller customization so required entries cannot be
// removed.
func MergeMetadata(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}
