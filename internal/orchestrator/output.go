package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

// keyLine matches a KEY: value line. Keys are upper case so prose such as
// "Note: ..." or URLs are not mistaken for output fields.
var keyLine = regexp.MustCompile(`^\s*([A-Z][A-Z0-9_]*):\s?(.*)$`)

// StatusKey is the output field carrying the step's verdict.
const StatusKey = "status"

// Output is a step's self-reported result parsed into key/value pairs.
// Keys keep the case they were written in and are looked up ignoring case;
// the first occurrence of a key wins.
type Output struct {
	values map[string]string // by lower-cased key
	keys   []string
}

// ParseOutput reads KEY: value lines from text. A value starting with '['
// or '{' (on the key line or the line after an empty value) may continue
// over several lines until it forms valid JSON.
func ParseOutput(text string) *Output {
	out := &Output{values: make(map[string]string)}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		m := keyLine.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		key := m[1]
		value := strings.TrimSpace(m[2])

		start := i
		if value == "" && i+1 < len(lines) && isJSONStart(strings.TrimSpace(lines[i+1])) {
			start = i + 1
			value = strings.TrimSpace(lines[start])
		}
		if isJSONStart(value) {
			if doc, end, ok := collectJSON(lines, start, value); ok {
				value = doc
				i = end
			}
		}

		lk := strings.ToLower(key)
		if _, dup := out.values[lk]; dup {
			continue
		}
		out.values[lk] = value
		out.keys = append(out.keys, key)
	}
	return out
}

func isJSONStart(s string) bool {
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}

// collectJSON extends first with following lines until it is valid JSON.
func collectJSON(lines []string, start int, first string) (string, int, bool) {
	buf := first
	for end := start; ; end++ {
		if json.Valid([]byte(buf)) {
			return buf, end, true
		}
		if end+1 >= len(lines) {
			return "", start, false
		}
		buf += "\n" + lines[end+1]
	}
}

func (o *Output) Get(key string) (string, bool) {
	v, ok := o.values[strings.ToLower(key)]
	return v, ok
}

// Status returns the lower-cased verdict, or "" when the output has none.
func (o *Output) Status() string {
	return strings.ToLower(o.values[StatusKey])
}

// Keys returns the parsed keys in the order they first appeared.
func (o *Output) Keys() []string {
	return o.keys
}

// Extract returns the pairs that belong in run context. When expects is
// non-empty only those keys are returned. The status verdict is never
// included.
func (o *Output) Extract(expects []string) map[string]string {
	allowed := make(map[string]bool, len(expects))
	for _, k := range expects {
		allowed[strings.ToLower(k)] = true
	}

	out := make(map[string]string)
	for _, k := range o.keys {
		lk := strings.ToLower(k)
		if lk == StatusKey {
			continue
		}
		if len(allowed) > 0 && !allowed[lk] {
			continue
		}
		out[k] = o.values[lk]
	}
	return out
}
