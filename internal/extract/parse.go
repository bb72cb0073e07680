package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnparsable marks model output that is not a list of names.
var ErrUnparsable = errors.New("unparsable extraction output")

// ParseResult is the tagged outcome of parsing model output. Exactly one of
// Names or Err is meaningful; an empty Names with nil Err is a valid empty list.
type ParseResult struct {
	Names []string
	Err   error
}

// OK reports whether parsing succeeded.
func (r ParseResult) OK() bool {
	return r.Err == nil
}

// Parse decodes model output into names. It accepts a JSON array of strings
// or an object holding one such array (preferably under "companies"),
// optionally wrapped in a markdown code fence or surrounded by prose. It never
// panics.
func Parse(raw string) ParseResult {
	body := strings.TrimSpace(stripFence(raw))
	if body == "" {
		return ParseResult{Err: fmt.Errorf("%w: empty output", ErrUnparsable)}
	}

	if names, err := decode(body); err == nil {
		return ParseResult{Names: names}
	}

	// fall back to the outermost JSON value embedded in prose.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(body, pair[0])
		end := strings.LastIndexByte(body, pair[1])
		if start < 0 || end <= start {
			continue
		}
		if names, err := decode(body[start : end+1]); err == nil {
			return ParseResult{Names: names}
		}
	}
	return ParseResult{Err: fmt.Errorf("%w: %q", ErrUnparsable, preview(body))}
}

func decode(body string) ([]string, error) {
	var value any
	if err := json.Unmarshal([]byte(body), &value); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []any:
		return stringList(v)
	case map[string]any:
		if list, ok := v["companies"].([]any); ok {
			return stringList(list)
		}
		var found []any
		for _, field := range v {
			if list, ok := field.([]any); ok {
				if found != nil {
					return nil, errors.New("ambiguous object: several arrays")
				}
				found = list
			}
		}
		if found == nil {
			return nil, errors.New("object without a list")
		}
		return stringList(found)
	default:
		return nil, fmt.Errorf("unexpected JSON %T", value)
	}
}

func stringList(items []any) ([]string, error) {
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is %T, not a string", i, item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func preview(s string) string {
	const limit = 80
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
