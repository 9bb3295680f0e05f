package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a response contains no JSON value at all.
var ErrNoJSON = errors.New("no JSON found in model response")

// trailingCommaPattern matches trailing commas before ] or }.
var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// ExtractJSON pulls the JSON payload out of a model response that may wrap
// it in markdown fences or prose. It slices from the first '[' or '{' to the
// last matching closer. Returns "" when no candidate exists.
func ExtractJSON(text string) string {
	// Remove common markdown code block markers
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "[{")
	if start == -1 {
		return ""
	}

	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}

// DecodeJSON extracts and unmarshals the JSON in text into v. A second pass
// strips trailing commas, a common model artifact.
func DecodeJSON(text string, v interface{}) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return ErrNoJSON
	}

	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}

	cleaned := trailingCommaPattern.ReplaceAllString(raw, "$1")
	if cleaned != raw {
		if err2 := json.Unmarshal([]byte(cleaned), v); err2 == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to parse model JSON: %w", err)
}
