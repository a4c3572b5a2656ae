// Package template finds whole-value {{expr}} placeholders in parsed action
// arguments and substitutes values produced by named resolvers.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// Template is a placeholder found in an argument tree.
type Template struct {
	// Path locates the placeholder inside the tree.
	Path []PathElem
	// Expr is the text between the braces, trimmed.
	Expr string
	// Primary is the leading identifier naming the resolver.
	Primary string
	// Rest is the remainder path handed to the resolver.
	Rest string
}

// Resolver produces a value for the remainder path of an expression.
// A nil value means "unresolved".
type Resolver func(ctx context.Context, path string) (any, error)

// Resolvers maps primary keys to resolvers.
type Resolvers map[string]Resolver

// Merge returns a copy of r overlaid with others; later entries win.
func (r Resolvers) Merge(others ...Resolvers) Resolvers {
	out := make(Resolvers, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

var (
	placeholderRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
	primaryRe     = regexp.MustCompile(`^[A-Za-z_$][\w$]*`)
)

// Split separates an expression into its primary key and remainder path.
func Split(expr string) (primary, rest string) {
	primary = primaryRe.FindString(expr)
	rest = strings.TrimPrefix(expr[len(primary):], ".")
	return primary, rest
}

// Detect returns every string leaf of v that is exactly a placeholder.
// Strings that merely contain a placeholder are ignored.
func Detect(v any) []Template {
	var out []Template
	detect(v, nil, &out)
	return out
}

func detect(v any, path []PathElem, out *[]Template) {
	switch t := v.(type) {
	case string:
		m := placeholderRe.FindStringSubmatch(t)
		if m == nil {
			return
		}
		primary, rest := Split(m[1])
		p := make([]PathElem, len(path))
		copy(p, path)
		*out = append(*out, Template{Path: p, Expr: m[1], Primary: primary, Rest: rest})
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			detect(t[k], append(path, PathElem{Key: k}), out)
		}
	case []any:
		for i, x := range t {
			detect(x, append(path, PathElem{Index: i, IsIndex: true}), out)
		}
	}
}

// Resolve substitutes each template in args using resolvers and returns the
// updated tree. Placeholders whose resolver is missing, fails, or yields no
// value are left untouched and logged; they never fail the call.
func Resolve(ctx context.Context, args any, templates []Template, resolvers Resolvers, logger *slog.Logger) (any, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, tpl := range templates {
		if err := ctx.Err(); err != nil {
			return args, err
		}
		value, err := resolveOne(ctx, tpl, resolvers)
		if err != nil {
			logger.WarnContext(ctx, "template placeholder skipped",
				"expr", tpl.Expr, "path", FormatPath(tpl.Path), "error", err)
			continue
		}
		args = Set(args, tpl.Path, value)
	}
	return args, nil
}

// ErrUnresolved is reported for placeholders that resolved to nothing.
var ErrUnresolved = errors.New("unresolved placeholder")

func resolveOne(ctx context.Context, tpl Template, resolvers Resolvers) (v any, err error) {
	r, ok := resolvers[tpl.Primary]
	if !ok {
		return nil, fmt.Errorf("no resolver for %q", tpl.Primary)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("resolver %q panicked: %v", tpl.Primary, p)
		}
	}()
	v, err = r(ctx, tpl.Rest)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrUnresolved
	}
	return v, nil
}

// ValueResolver resolves paths by looking them up in the value returned by get.
func ValueResolver(get func(ctx context.Context) (any, error)) Resolver {
	return func(ctx context.Context, path string) (any, error) {
		root, err := get(ctx)
		if err != nil {
			return nil, err
		}
		if path == "" {
			return root, nil
		}
		v, _ := Lookup(root, path)
		return v, nil
	}
}
