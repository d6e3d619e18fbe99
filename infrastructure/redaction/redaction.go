// Package redaction scrubs sensitive values from anything headed for a log
// line or an error detail map. Redaction is recursive over nested maps and
// slices.
package redaction

import (
	"regexp"
	"strings"
)

const redactedText = "***REDACTED***"

// sensitiveKeys marks a field as secret when its lowercased name contains
// one of these substrings.
var sensitiveKeys = []string{
	"api_key",
	"apikey",
	"password",
	"token",
	"secret",
	"mnemonic",
	"seed",
	"private_key",
	"privkey",
	"credential",
}

var inlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth|mnemonic|seed)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
}

// SensitiveKey reports whether a field name should be fully redacted.
func SensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// String scrubs inline key=value secrets from a free-form string.
func String(s string) string {
	result := s
	for _, pattern := range inlinePatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+redactedText)
	}
	return result
}

// Map returns a copy of m with sensitive fields replaced. Nested maps and
// slices are walked; everything else passes through untouched.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			result[k] = redactedText
			continue
		}
		result[k] = value(v)
	}
	return result
}

// Slice redacts every element of a slice.
func Slice(s []any) []any {
	result := make([]any, len(s))
	for i, v := range s {
		result[i] = value(v)
	}
	return result
}

func value(v any) any {
	switch val := v.(type) {
	case string:
		return String(val)
	case map[string]any:
		return Map(val)
	case []any:
		return Slice(val)
	default:
		return v
	}
}
