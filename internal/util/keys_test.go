package util

import (
	"strings"
	"testing"
)

func TestFingerprintIgnoresQueryOrder(t *testing.T) {
	a := Fingerprint("API-getTopTokens", nil, map[string][]string{
		"limit":  {"10"},
		"apiKey": {"k"},
		"tag":    {"b", "a"},
	})
	b := Fingerprint("API-getTopTokens", nil, map[string][]string{
		"tag":    {"a", "b"},
		"apiKey": {"k"},
		"limit":  {"10"},
	})
	if a != b {
		t.Fatalf("fingerprints differ for equivalent queries: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "API-getTopTokens-") || len(a) != len("API-getTopTokens-")+16 {
		t.Fatalf("unexpected fingerprint shape %q", a)
	}
}

func TestFingerprintSeparatesParamsAndValues(t *testing.T) {
	base := Fingerprint("p", []string{"0xabc"}, map[string][]string{"limit": {"10"}})
	if base == Fingerprint("p", []string{"0xabd"}, map[string][]string{"limit": {"10"}}) {
		t.Fatalf("different params must not collide")
	}
	if base == Fingerprint("p", []string{"0xabc"}, map[string][]string{"limit": {"11"}}) {
		t.Fatalf("different query values must not collide")
	}
	if base == Fingerprint("q", []string{"0xabc"}, map[string][]string{"limit": {"10"}}) {
		t.Fatalf("different prefixes must not collide")
	}
}

func TestFingerprintDoesNotMutateInput(t *testing.T) {
	q := map[string][]string{"tag": {"z", "a"}}
	_ = Fingerprint("p", nil, q)
	if q["tag"][0] != "z" {
		t.Fatalf("input values were sorted in place: %v", q["tag"])
	}
}
