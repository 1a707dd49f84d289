package dsl

import "strings"

// Interpolate replaces each ${path} in template with the stringified value
// found in vars. Unresolved placeholders are left in place.
func Interpolate(template string, vars map[string]any) string {
	if !strings.Contains(template, "${") {
		return template
	}
	var sb strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			sb.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:start])
		placeholder := rest[start : start+end+1]
		path := strings.TrimSpace(placeholder[2 : len(placeholder)-1])
		if v, ok := Lookup(vars, path); ok {
			sb.WriteString(stringify(v))
		} else {
			sb.WriteString(placeholder)
		}
		rest = rest[start+end+1:]
	}
	return sb.String()
}

// InterpolateValue interpolates every string inside v, recursing into maps
// and slices. A string that is exactly one placeholder yields the
// referenced value itself, keeping its type.
func InterpolateValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") &&
			strings.Count(trimmed, "${") == 1 {
			if found, ok := Lookup(vars, strings.TrimSpace(trimmed[2:len(trimmed)-1])); ok {
				return found
			}
		}
		return Interpolate(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// References returns the ${path} placeholders in s, in order.
func References(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		refs = append(refs, strings.TrimSpace(s[start+2:start+end]))
		s = s[start+end+1:]
	}
	return refs
}
