package engine

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when a model response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSONObject pulls the JSON object out of a model response that may
// be wrapped in a markdown fence or surrounded by prose.
func ExtractJSONObject(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}
