package workflow

import (
	"encoding/json"
	"regexp"
	"strings"
)

// refPattern matches a single reference occurrence: "<<" optional
// whitespace, a dotted access path, optional whitespace, ">>".
var refPattern = regexp.MustCompile(`<<\s*([^<>]*?)\s*>>`)

// Resolver substitutes "<<path>>" references in action definitions with
// values from the run's execution state. It is a pure function over the
// JSON value tree: resolving never mutates its input and never fails. A
// path that cannot be found resolves to the empty string.
type Resolver struct {
	state *State
}

// NewResolver creates a resolver that reads from the given state.
func NewResolver(state *State) *Resolver {
	return &Resolver{state: state}
}

// Resolve recursively resolves references in a decoded JSON value.
// Objects are resolved entry-wise, arrays element-wise, strings via
// ResolveString. Numbers, booleans, and null pass through unchanged.
func (r *Resolver) Resolve(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for k, val := range v {
			resolved[k] = r.Resolve(val)
		}
		return resolved
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			resolved[i] = r.Resolve(val)
		}
		return resolved
	default:
		return value
	}
}

// ResolveString resolves every reference occurrence inside s.
//
// When s is exactly one reference with no surrounding text, the resolved
// value is returned verbatim, preserving its type: "<<a.count>>" yields
// the stored number, not its textual form. Otherwise each occurrence is
// rendered into the string in place and the result is a string. Paths not
// present in the state render as the empty string.
func (r *Resolver) ResolveString(s string) interface{} {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A single reference spanning the whole string keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		value, ok := r.state.Get(s[matches[0][2]:matches[0][3]])
		if !ok {
			return ""
		}
		return value
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, ok := r.state.Get(s[m[2]:m[3]])
		if ok {
			b.WriteString(renderValue(value))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// ResolveToString resolves s and always renders the result as a string,
// even when s is a single reference to a non-string value. It is used
// where the caller needs text regardless of the stored type, such as
// request URLs and header values.
func (r *Resolver) ResolveToString(s string) string {
	resolved := r.ResolveString(s)
	if str, ok := resolved.(string); ok {
		return str
	}
	return renderValue(resolved)
}

// renderValue produces the in-string form of a resolved value. Strings
// are inserted as-is; everything else is rendered as compact JSON so that
// numbers, booleans, arrays, and objects splice into surrounding text
// without quoting artifacts.
func renderValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}
