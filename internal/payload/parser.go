// Package payload normalizes the loosely shaped values the backend attaches
// to progress events: JSON-encoded strings, bare arrays, {results: [...]}
// envelopes, and single-level {final_output: ...} wrappers. Parsing is best
// effort and never fails; unusable input yields a zero Payload.
package payload

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// Source is one search result item carried in a payload.
type Source struct {
	Title string
	URL   string
	Raw   map[string]any
}

// Payload is the canonical shape extracted from a raw event value. An array
// value can populate both fields at once; callers read the one they need.
type Payload struct {
	Results  []Source
	Findings []string
}

// IsZero reports whether nothing was extracted.
func (p Payload) IsZero() bool {
	return len(p.Results) == 0 && len(p.Findings) == 0
}

// Parse normalizes raw into a Payload. raw may be a string (possibly JSON
// encoded, possibly malformed), a decoded JSON value, a json.RawMessage, or
// nil.
func Parse(raw any) Payload {
	value := decode(raw)
	if value == nil {
		return Payload{}
	}

	// Unwrap a single {final_output: ...} envelope; the wrapped value may
	// itself be a JSON string.
	if object, ok := value.(map[string]any); ok {
		if inner, exists := object["final_output"]; exists {
			value = decode(inner)
		}
	}

	return interpret(value)
}

func decode(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return decodeText(string(v))
	case []byte:
		return decodeText(string(v))
	case string:
		return decodeText(v)
	default:
		return raw
	}
}

// decodeText parses text as JSON, repairing truncated or model-mangled
// documents before giving up. Tool outputs are sometimes JSON encoded twice;
// one extra layer of string wrapping is peeled when the inner text is itself
// a JSON document.
func decodeText(text string) any {
	value := decodeOnce(text)
	if inner, ok := value.(string); ok {
		switch nested := decodeOnce(inner).(type) {
		case map[string]any, []any:
			return nested
		}
	}
	return value
}

func decodeOnce(text string) any {
	if text == "" {
		return nil
	}
	var value any
	if err := json.Unmarshal([]byte(text), &value); err == nil {
		return value
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &value); err != nil {
		return nil
	}
	return value
}

func interpret(value any) Payload {
	switch v := value.(type) {
	case []any:
		return Payload{Results: sources(v), Findings: findings(v)}
	case map[string]any:
		var parsed Payload
		if results, ok := v["results"].([]any); ok {
			parsed.Results = sources(results)
		}
		if found, ok := v["findings"].([]any); ok {
			parsed.Findings = findings(found)
		}
		return parsed
	default:
		return Payload{}
	}
}

func sources(items []any) []Source {
	var out []Source
	for _, item := range items {
		object, ok := item.(map[string]any)
		if !ok {
			continue
		}
		source := Source{Raw: object}
		if title, ok := object["title"].(string); ok {
			source.Title = title
		}
		if url, ok := object["url"].(string); ok {
			source.URL = url
		}
		out = append(out, source)
	}
	return out
}

func findings(items []any) []string {
	var out []string
	for _, item := range items {
		if text, ok := item.(string); ok {
			out = append(out, text)
		}
	}
	return out
}
