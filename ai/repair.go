package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnparseable is returned when no JSON object can be recovered from text.
var ErrUnparseable = errors.New("ai: no JSON object in response")

// ParseStage names the repair step that produced an object.
type ParseStage string

const (
	StageDirect ParseStage = "direct"
	StageFence  ParseStage = "fence"
	StageBraces ParseStage = "braces"
)

// ParseObject recovers a JSON object from model output. It tries the raw text,
// then the text with code fences stripped, then the span between the first
// '{' and the last '}'.
func ParseObject(raw string) (map[string]any, ParseStage, error) {
	if obj, ok := decodeObject(raw); ok {
		return obj, StageDirect, nil
	}
	if obj, ok := decodeObject(stripFences(raw)); ok {
		return obj, StageFence, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if obj, ok := decodeObject(raw[start : end+1]); ok {
			return obj, StageBraces, nil
		}
	}
	return nil, "", ErrUnparseable
}

func decodeObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			break
		}
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
