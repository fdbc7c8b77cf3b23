package orchestrator

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// ResolveTemplate substitutes {{name}} placeholders from vars. Names match
// case-insensitively; unknown names render as [missing: name].
func ResolveTemplate(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if v, ok := lookup(vars, name); ok {
			return v
		}
		return "[missing: " + name + "]"
	})
}

// lookup finds name in vars, preferring an exact match over one that
// differs only in case.
func lookup(vars map[string]string, name string) (string, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	for k, v := range vars {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// setVar stores value under key, dropping any entry whose name differs
// only in case.
func setVar(vars map[string]string, key, value string) {
	for k := range vars {
		if k != key && strings.EqualFold(k, key) {
			delete(vars, k)
		}
	}
	vars[key] = value
}
