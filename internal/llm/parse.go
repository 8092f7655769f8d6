package llm

import (
	"encoding/json"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/queryhive/queryhive"
)

// ExtractJSON pulls the first JSON object out of raw model output. Models
// frequently wrap JSON in markdown fences or prose, so the extraction scans
// for the outermost balanced object rather than requiring clean output.
func ExtractJSON(raw string) (map[string]any, error) {
	candidate := stripFences(raw)

	start := strings.IndexByte(candidate, '{')
	if start < 0 {
		return nil, queryhive.NewValidationError("llm", "response contains no JSON object", nil)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(candidate); i++ {
		c := candidate[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					var out map[string]any
					if err := json.Unmarshal([]byte(candidate[start:i+1]), &out); err != nil {
						return nil, queryhive.NewValidationError("llm", "malformed JSON in response", err)
					}
					return out, nil
				}
			}
		}
	}
	return nil, queryhive.NewValidationError("llm", "unbalanced JSON object in response", nil)
}

// DecodeStructured extracts JSON from raw model output and decodes it into
// target. Decoding is weakly typed so that models returning numbers as
// strings (or vice versa) still parse.
func DecodeStructured(raw string, target any) error {
	fields, err := ExtractJSON(raw)
	if err != nil {
		return err
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return queryhive.NewInternalError("llm", "failed to build decoder", err)
	}
	if err := decoder.Decode(fields); err != nil {
		return queryhive.NewValidationError("llm", "response does not match expected schema", err)
	}
	return nil
}

func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return rest[:end]
		}
		return rest
	}
	return trimmed
}
