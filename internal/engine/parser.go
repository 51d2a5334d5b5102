package engine

import (
	"encoding/json"
	"strings"
)

// toolCall is a parsed tool invocation: the model's requested tool name and
// its (never-nil) arguments object.
type toolCall struct {
	Tool      string
	Arguments map[string]any
}

type rawToolCall struct {
	Type      string         `json:"type"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// parseToolCall implements spec.md §4.5's lenient three-strategy tool-call
// extraction: the whole trimmed output, a fenced code block's contents, or
// a best-effort first-`{`-to-last-`}` slice. Any failure classifies text as
// a terminal assistant answer.
func parseToolCall(text string) (toolCall, bool) {
	trimmed := strings.TrimSpace(text)

	if call, ok := tryParseJSON(trimmed); ok {
		return call, true
	}
	if inner, ok := extractFenced(trimmed); ok {
		if call, ok := tryParseJSON(inner); ok {
			return call, true
		}
	}
	if sliced, ok := extractBraceSlice(trimmed); ok {
		if call, ok := tryParseJSON(sliced); ok {
			return call, true
		}
	}
	return toolCall{}, false
}

func tryParseJSON(s string) (toolCall, bool) {
	var raw rawToolCall
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return toolCall{}, false
	}
	if raw.Type != "tool_call" || raw.Tool == "" {
		return toolCall{}, false
	}
	args := raw.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return toolCall{Tool: raw.Tool, Arguments: args}, true
}

// extractFenced returns the contents of the first fenced code block
// (```lang\n...\n``` or ```\n...\n```), skipping a language tag line if
// present.
func extractFenced(s string) (string, bool) {
	const fence = "```"

	start := strings.Index(s, fence)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(fence):]

	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag != "" && !strings.ContainsAny(tag, "{}") {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, fence)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBraceSlice returns the substring from the first `{` to the last
// `}`, inclusive — a best-effort recovery for JSON embedded in prose.
func extractBraceSlice(s string) (string, bool) {
	first := strings.IndexByte(s, '{')
	last := strings.LastIndexByte(s, '}')
	if first < 0 || last < 0 || last <= first {
		return "", false
	}
	return s[first : last+1], true
}
