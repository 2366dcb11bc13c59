package store

import (
	"testing"
	"time"
)

func TestFormatExpiryRoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	original := time.Date(2026, 3, 14, 9, 26, 53, 589793238, loc)

	encoded := FormatExpiry(original)
	parsed, err := ParseExpiry(encoded)
	if err != nil {
		t.Fatalf("ParseExpiry(%q): %v", encoded, err)
	}

	if !parsed.Equal(original) {
		t.Errorf("expected round-tripped instant %v, got %v", original, parsed)
	}
	if parsed.Location() != time.UTC {
		t.Errorf("expected UTC location, got %v", parsed.Location())
	}
	if FormatExpiry(parsed) != encoded {
		t.Errorf("expected stable re-encoding, got %q then %q", encoded, FormatExpiry(parsed))
	}
}

func TestParseExpiryRejectsGarbage(t *testing.T) {
	if _, err := ParseExpiry("next thursday"); err == nil {
		t.Error("expected parse error for non-timestamp input")
	}
}

func TestMergeMetadataPrecedence(t *testing.T) {
	static := map[string]string{"team": "orders", "env": "prod"}
	marker := map[string]string{MetaExpiresAt: "2026-01-02T03:04:05Z"}
	caller := map[string]string{"env": "staging", MetaExpiresAt: "tampered"}
	enforced := map[string]string{MetaExpiresAt: "2026-01-02T03:04:05Z"}

	merged := MergeMetadata(static, marker, caller, enforced)

	if merged["team"] != "orders" {
		t.Errorf("expected static entry to survive, got %q", merged["team"])
	}
	if merged["env"] != "staging" {
		t.Errorf("expected caller override for env, got %q", merged["env"])
	}
	if merged[MetaExpiresAt] != "2026-01-02T03:04:05Z" {
		t.Errorf("expected enforcement layer to win for %s, got %q", MetaExpiresAt, merged[MetaExpiresAt])
	}
}

func TestMergeMetadataReturnsFreshMap(t *testing.T) {
	source := map[string]string{"a": "1"}
	merged := MergeMetadata(nil, source)
	merged["a"] = "mutated"
	if source["a"] != "1" {
		t.Error("expected source map to be unaffected by mutation of result")
	}

	empty := MergeMetadata()
	if empty == nil {
		t.Error("expected non-nil map for no layers")
	}
	if len(empty) != 0 {
		t.Errorf("expected empty map, got %v", empty)
	}
}
