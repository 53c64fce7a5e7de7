package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

const parsePreviewLen = 200

// ParseError reports model output that could not be coerced into JSON.
// Preview carries the head of the raw text for diagnostics.
type ParseError struct {
	Preview string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("model output is not valid JSON: %v (preview: %s)", e.Err, e.Preview)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseJSON extracts a JSON document from raw model output. Models wrap
// their answers in markdown fences or prose often enough that a strict
// parse alone loses recoverable responses: after stripping fences and a
// direct parse, the first balanced object or array span is tried before
// giving up.
func ParseJSON(text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var direct json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &direct); err == nil {
		return direct, nil
	}

	if span, ok := firstBalancedSpan(cleaned); ok {
		var out json.RawMessage
		if err := json.Unmarshal([]byte(span), &out); err == nil {
			return out, nil
		}
	}

	preview := cleaned
	if len(preview) > parsePreviewLen {
		preview = preview[:parsePreviewLen]
	}
	return nil, &ParseError{Preview: preview, Err: fmt.Errorf("no parseable JSON document found")}
}

// firstBalancedSpan returns the first balanced {...} or [...] region,
// tracking string literals so braces inside quoted text do not count.
func firstBalancedSpan(s string) (string, bool) {
	start := -1
	var open, close byte
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if start == -1 {
			if c == '{' {
				start, open, close = i, '{', '}'
				depth = 1
			} else if c == '[' {
				start, open, close = i, '[', ']'
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
