package provider

import "strings"

// NormalizeGeneric implements the Anthropic/Bedrock/Google-generic rule:
// at most 64 characters, each restricted to [A-Za-z0-9_-] (disallowed
// runes replaced with '_').
func NormalizeGeneric(id string) string {
	return restrictAndTruncate(id, 64, isAlnumDashUnderscore)
}

// NormalizeOpenAI truncates to 40 characters while preserving '_' and '-'
// (and all other characters — OpenAI does not require charset
// restriction, only a length cap).
func NormalizeOpenAI(id string) string {
	if len(id) <= 40 {
		return id
	}
	return id[:40]
}

// NormalizeMistral produces exactly nine alphanumeric characters: strip
// non-alphanumerics, then pad with a fixed prefix or truncate.
func NormalizeMistral(id string) string {
	var b strings.Builder
	for _, r := range id {
		if isAlnumRune(r) {
			b.WriteRune(r)
		}
	}
	s := b.String()
	const pad = "ABCDEFGHI"
	if len(s) < 9 {
		s = pad[:9-len(s)] + s
	}
	if len(s) > 9 {
		s = s[:9]
	}
	return s
}

// NormalizeResponsesAPI strips a pipe-encoded Responses-API id down to the
// segment before the first '|'.
func NormalizeResponsesAPI(id string) string {
	if i := strings.IndexByte(id, '|'); i >= 0 {
		return id[:i]
	}
	return id
}

func restrictAndTruncate(id string, maxLen int, allowed func(rune) bool) string {
	var b strings.Builder
	for _, r := range id {
		if allowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func isAlnumDashUnderscore(r rune) bool {
	return isAlnumRune(r) || r == '_' || r == '-'
}

func isAlnumRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
