package payload

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

// Cache memoizes Parse for textual payloads. Source aggregation re-parses the
// same final outputs and search results on every snapshot, so identical text
// is only decoded once.
type Cache struct {
	entries *lru.Cache[string, Payload]
}

// NewCache returns a Cache holding up to size parsed payloads. size <= 0
// falls back to a default.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, Payload](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &Cache{entries: entries}
}

// Parse behaves like the package-level Parse. Only string-keyed inputs are
// memoized; other values are parsed directly.
func (c *Cache) Parse(raw any) Payload {
	if c == nil {
		return Parse(raw)
	}

	key, ok := textKey(raw)
	if !ok {
		return Parse(raw)
	}
	if cached, hit := c.entries.Get(key); hit {
		return clonePayload(cached)
	}
	parsed := Parse(raw)
	c.entries.Add(key, parsed)
	return clonePayload(parsed)
}

func textKey(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.RawMessage:
		return string(v), true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

func clonePayload(p Payload) Payload {
	clone := Payload{}
	if p.Results != nil {
		clone.Results = append([]Source(nil), p.Results...)
	}
	if p.Findings != nil {
		clone.Findings = append([]string(nil), p.Findings...)
	}
	return clone
}
