package sui

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Move struct content arrives as nested maps: scalars are strings or numbers,
// nested structs are {"type": ..., "fields": {...}}, and Balance<T> may be a
// plain string or a struct with a "value" field.

func unwrap(v any) any {
	for {
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		if f, ok := m["fields"]; ok {
			v = f
			continue
		}
		return m
	}
}

// findField searches fields (and nested struct fields, breadth first) for the
// first of names present.
func findField(fields map[string]any, names ...string) (any, bool) {
	queue := []map[string]any{fields}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range names {
			if v, ok := cur[n]; ok {
				return unwrap(v), true
			}
		}
		for _, k := range slices.Sorted(maps.Keys(cur)) {
			if m, ok := unwrap(cur[k]).(map[string]any); ok {
				queue = append(queue, m)
			}
		}
	}
	return nil, false
}

func fieldUint(fields map[string]any, names ...string) uint64 {
	v, ok := findField(fields, names...)
	if !ok {
		return 0
	}
	return asUint(v)
}

func asUint(v any) uint64 {
	switch x := v.(type) {
	case string:
		return parseUint(x)
	case float64:
		if x < 0 {
			return 0
		}
		return uint64(x)
	case json.Number:
		return parseUint(x.String())
	case map[string]any:
		if inner, ok := x["value"]; ok {
			return asUint(unwrap(inner))
		}
	}
	return 0
}

func fieldBool(fields map[string]any, names ...string) bool {
	v, ok := findField(fields, names...)
	if !ok {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	return false
}

func fieldString(fields map[string]any, names ...string) string {
	v, ok := findField(fields, names...)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		// object ids ({"id": "0x..."}) and type names ({"name": "..."})
		if id, ok := x["id"].(string); ok {
			return id
		}
		if name, ok := x["name"].(string); ok {
			return name
		}
	}
	return ""
}

// typeName turns a TypeName string ("abc::meme::MEME") into a type tag.
func typeName(s string) string {
	if s == "" || strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

// typeArgs returns the top-level type arguments of a type tag.
func typeArgs(t string) []string {
	open := strings.IndexByte(t, '<')
	if open < 0 || !strings.HasSuffix(t, ">") {
		return nil
	}
	inner := t[open+1 : len(t)-1]
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range inner {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(inner[start:]))
}

// baseType strips type arguments.
func baseType(t string) string {
	if i := strings.IndexByte(t, '<'); i >= 0 {
		return t[:i]
	}
	return t
}

// structName returns (module, struct) of a type tag, ignoring the address.
func structName(t string) (module, name string) {
	parts := strings.Split(baseType(t), "::")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}
