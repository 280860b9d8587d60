// Package streamjson implements a small best-effort parser for
// possibly-truncated JSON text (spec §4.4): tool-call arguments that
// arrive incrementally and may not yet be syntactically complete. It is
// not a general JSON healer — only good enough to reflect in-progress
// arguments back to a UI before the real close event arrives.
package streamjson

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Parse attempts to close text into valid JSON by appending the minimum
// number of closing brackets/braces/quotes, discarding a dangling trailing
// comma first. It returns the raw healed JSON bytes, or an error when the
// healed text is still not valid JSON; empty or all-whitespace text yields
// nil and no error.
func Parse(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	healed := heal(trimmed)

	var v any
	if err := json.Unmarshal([]byte(healed), &v); err != nil {
		return nil, err
	}
	return json.RawMessage(healed), nil
}

// heal appends whatever closing tokens are needed to make s a
// syntactically valid JSON document, assuming s is a (possibly truncated)
// prefix of one. It tracks open string/array/object state with a single
// forward scan, handling escapes.
func heal(s string) string {
	var stack []byte // '"', '[', or '{'
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			stack = append(stack, c)
		case ']':
			stack = popIfMatch(stack, '[')
		case '}':
			stack = popIfMatch(stack, '{')
		}
	}

	out := s
	out = trimTrailingComma(out)

	if inString {
		out += `"`
	}

	for i := len(stack) - 1; i >= 0; i-- {
		switch stack[i] {
		case '[':
			out = trimTrailingComma(out) + "]"
		case '{':
			out = trimTrailingComma(out) + "}"
		}
	}
	return out
}

func popIfMatch(stack []byte, open byte) []byte {
	if len(stack) > 0 && stack[len(stack)-1] == open {
		return stack[:len(stack)-1]
	}
	return stack
}

// trimTrailingComma strips one trailing comma (and any whitespace after
// it) so closing a container never produces ",]" or ",}".
func trimTrailingComma(s string) string {
	t := strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(t, ",") {
		return strings.TrimRight(t[:len(t)-1], " \t\r\n")
	}
	return s
}
