package template

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// PathElem is one step into a value tree: a map key or a slice index.
type PathElem struct {
	Key     string
	Index   int
	IsIndex bool
}

func (e PathElem) String() string {
	if e.IsIndex {
		return "[" + strconv.Itoa(e.Index) + "]"
	}
	return "." + e.Key
}

// FormatPath renders a path the way ParsePath reads it.
func FormatPath(path []PathElem) string {
	var b strings.Builder
	for _, e := range path {
		b.WriteString(e.String())
	}
	return strings.TrimPrefix(b.String(), ".")
}

// ParsePath parses dotted and bracketed paths such as `a.b[0].c` or
// `[1]["key"]`.
func ParsePath(path string) ([]PathElem, error) {
	var elems []PathElem
	i := 0
	for i < len(path) {
		switch c := path[i]; {
		case c == '.':
			i++
		case c == '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated '[' in %q", path)
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			i += end + 1
			if n := len(inner); n >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[n-1] == inner[0] {
				elems = append(elems, PathElem{Key: inner[1 : n-1]})
				continue
			}
			idx, err := strconv.Atoi(inner)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q in %q", inner, path)
			}
			elems = append(elems, PathElem{Index: idx, IsIndex: true})
		default:
			start := i
			for i < len(path) && path[i] != '.' && path[i] != '[' {
				i++
			}
			elems = append(elems, PathElem{Key: path[start:i]})
		}
	}
	return elems, nil
}

// Lookup walks path through v. Maps, slices, arrays and structs (by json tag
// or field name) are supported. The second result is false when any step is
// missing.
func Lookup(v any, path string) (any, bool) {
	elems, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	return LookupPath(v, elems)
}

// LookupPath is Lookup over a parsed path.
func LookupPath(v any, path []PathElem) (any, bool) {
	cur := v
	for _, e := range path {
		next, ok := step(cur, e)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

func step(v any, e PathElem) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if e.IsIndex {
			x, ok := t[strconv.Itoa(e.Index)]
			return x, ok
		}
		x, ok := t[e.Key]
		return x, ok
	case []any:
		if !e.IsIndex || e.Index < 0 || e.Index >= len(t) {
			return nil, false
		}
		return t[e.Index], true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := e.Key
		if e.IsIndex {
			key = strconv.Itoa(e.Index)
		}
		x := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !x.IsValid() {
			return nil, false
		}
		return x.Interface(), true
	case reflect.Slice, reflect.Array:
		if !e.IsIndex || e.Index < 0 || e.Index >= rv.Len() {
			return nil, false
		}
		return rv.Index(e.Index).Interface(), true
	case reflect.Struct:
		if e.IsIndex {
			return nil, false
		}
		return structField(rv, e.Key)
	}
	return nil, false
}

func structField(rv reflect.Value, name string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name || (tag == "" && strings.EqualFold(f.Name, name)) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

// Set writes value at path inside root and returns the (possibly new) root.
// Missing intermediate maps and slices are created; slices grow as needed.
func Set(root any, path []PathElem, value any) any {
	if len(path) == 0 {
		return value
	}
	e := path[0]
	if e.IsIndex {
		if e.Index < 0 {
			return root
		}
		s, _ := root.([]any)
		for len(s) <= e.Index {
			s = append(s, nil)
		}
		s[e.Index] = Set(s[e.Index], path[1:], value)
		return s
	}
	m, ok := root.(map[string]any)
	if !ok || m == nil {
		m = map[string]any{}
	}
	m[e.Key] = Set(m[e.Key], path[1:], value)
	return m
}
