package generation

import (
	"encoding/json"
	"sort"
	"strings"
)

// preferredKeys are checked before any other key when searching a payload.
var preferredKeys = []string{"video", "url", "output", "videos"}

// ExtractVideoURL finds the first http(s) URL in a loosely shaped vendor
// payload. Preferred keys are searched first, then every nested value.
func ExtractVideoURL(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return findURL(v)
}

func findURL(v any) string {
	switch t := v.(type) {
	case string:
		if isHTTP(t) {
			return t
		}
	case []any:
		for _, el := range t {
			if s, ok := el.(string); ok && isHTTP(s) {
				return s
			}
		}
		for _, el := range t {
			if u := findURL(el); u != "" {
				return u
			}
		}
	case map[string]any:
		for _, k := range preferredKeys {
			if child, ok := t[k]; ok {
				if u := findURL(child); u != "" {
					return u
				}
			}
		}
		// Sorted for a deterministic result when several keys hold URLs.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch t[k].(type) {
			case map[string]any, []any:
				if u := findURL(t[k]); u != "" {
					return u
				}
			}
		}
	}
	return ""
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
