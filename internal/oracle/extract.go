package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON pulls the first JSON object out of raw model text. Markdown code
// fences are stripped first, then the first balanced { ... } block is decoded.
// A fenced payload and the same payload unwrapped parse identically.
func extractJSON(raw string, out any) error {
	cleaned := stripCodeFences(raw)
	block := firstObject(cleaned)
	if block == "" {
		return fmt.Errorf("%w: no JSON object found in response", ErrInvalidOutput)
	}
	if err := json.Unmarshal([]byte(block), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return nil
}

func stripCodeFences(s string) string {
	var result []string
	inFence := false
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		result = append(result, line)
	}
	return strings.Join(result, "\n")
}

// firstObject finds the first balanced { ... } block, respecting strings.
func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
