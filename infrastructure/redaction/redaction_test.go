package redaction

import (
	"strings"
	"testing"
)

func TestMapRedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"address":     "0x742d35cc6634c0532925a3b844bc9e7595f2bd28",
		"api_key":     "sk-live-abc123",
		"Password":    "hunter2",
		"mnemonic":    "gravity tortoise ...",
		"seed_phrase": "alpha beta gamma",
		"private_key": "0xdeadbeef",
	}

	out := Map(in)

	if out["address"] != in["address"] {
		t.Errorf("address should pass through")
	}
	for _, k := range []string{"api_key", "Password", "mnemonic", "seed_phrase", "private_key"} {
		if out[k] != "***REDACTED***" {
			t.Errorf("%s should be redacted, got %v", k, out[k])
		}
	}
	// input untouched
	if in["api_key"] != "sk-live-abc123" {
		t.Error("redaction must not mutate the input map")
	}
}

func TestMapRecursesIntoNestedStructures(t *testing.T) {
	in := map[string]any{
		"request": map[string]any{
			"chain": "ethereum",
			"auth":  map[string]any{"token": "jwt-here"},
		},
		"history": []any{
			map[string]any{"password": "old"},
			"plain string",
		},
	}

	out := Map(in)

	nested := out["request"].(map[string]any)["auth"].(map[string]any)
	if nested["token"] != "***REDACTED***" {
		t.Errorf("nested token should be redacted, got %v", nested["token"])
	}
	first := out["history"].([]any)[0].(map[string]any)
	if first["password"] != "***REDACTED***" {
		t.Errorf("slice-nested password should be redacted")
	}
}

func TestStringScrubsInlineSecrets(t *testing.T) {
	s := `dialing with api_key=abc123 for chain 1`
	out := String(s)
	if strings.Contains(out, "abc123") {
		t.Errorf("inline api key leaked: %q", out)
	}
}
