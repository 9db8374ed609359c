// Package template resolves {/json/pointer} and {dot.path} placeholders
// against a parsed JSON payload, leaving any placeholder that fails to
// resolve untouched so a later pass can retry it.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Resolve replaces every {/json/pointer} or {dot.path} placeholder in tmpl
// with its stringified value looked up in payload. A placeholder whose path
// does not resolve (missing key, out-of-range index, non-traversable value)
// is left in the output byte-for-byte, unchanged.
func Resolve(tmpl string, payload interface{}) string {
	if tmpl == "" {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := match[1 : len(match)-1]
		value, ok := lookup(path, payload)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

// lookup resolves a single placeholder path against payload. Paths starting
// with "/" are treated as JSON pointers; all others as dot-separated paths.
func lookup(path string, payload interface{}) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var segments []string
	if strings.HasPrefix(path, "/") {
		segments = strings.Split(path, "/")[1:]
		for i, s := range segments {
			segments[i] = unescapePointerSegment(s)
		}
	} else {
		segments = strings.Split(path, ".")
	}

	current := payload
	for _, seg := range segments {
		next, ok := step(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// step traverses one segment of a path into a map or slice.
func step(current interface{}, seg string) (interface{}, bool) {
	switch v := current.(type) {
	case map[string]interface{}:
		value, ok := v[seg]
		return value, ok
	case []interface{}:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

// unescapePointerSegment applies RFC 6901 escaping rules (~1 -> /, ~0 -> ~).
func unescapePointerSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	seg = strings.ReplaceAll(seg, "~0", "~")
	return seg
}

// stringify coerces a resolved leaf value to its placeholder replacement text.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
