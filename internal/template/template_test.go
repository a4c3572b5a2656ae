package template

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectWholeValueOnly(t *testing.T) {
	args := map[string]any{
		"n":     "{{calls[0].value}}",
		"inner": map[string]any{"list": []any{"x", "{{ shortTermMemory.user.name }}"}},
		"mixed": "hello {{calls[0].value}}",
		"num":   3,
	}
	got := Detect(args)
	require.Len(t, got, 2)

	assert.Equal(t, "inner.list[1]", FormatPath(got[0].Path))
	assert.Equal(t, "shortTermMemory", got[0].Primary)
	assert.Equal(t, "user.name", got[0].Rest)

	assert.Equal(t, "n", FormatPath(got[1].Path))
	assert.Equal(t, "calls", got[1].Primary)
	assert.Equal(t, "[0].value", got[1].Rest)
}

func TestSplit(t *testing.T) {
	p, r := Split("calls[2].data.items[0]")
	assert.Equal(t, "calls", p)
	assert.Equal(t, "[2].data.items[0]", r)

	p, r = Split("mem")
	assert.Equal(t, "mem", p)
	assert.Equal(t, "", r)
}

func TestParsePath(t *testing.T) {
	elems, err := ParsePath(`a.b[3]["c d"]['e']`)
	require.NoError(t, err)
	assert.Equal(t, []PathElem{
		{Key: "a"}, {Key: "b"}, {Index: 3, IsIndex: true}, {Key: "c d"}, {Key: "e"},
	}, elems)

	_, err = ParsePath("a[1")
	assert.Error(t, err)
	_, err = ParsePath("a[x]")
	assert.Error(t, err)
}

type result struct {
	Value int    `json:"value"`
	Label string `json:"label,omitempty"`
	Extra []int
}

func TestLookup(t *testing.T) {
	tree := map[string]any{
		"a": []any{map[string]any{"b": "found"}},
		"s": &result{Value: 7, Extra: []int{4, 5}},
		"m": map[string]int{"k": 2},
	}
	v, ok := Lookup(tree, "a[0].b")
	assert.True(t, ok)
	assert.Equal(t, "found", v)

	v, ok = Lookup(tree, "s.value")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = Lookup(tree, "s.extra[1]")
	assert.True(t, ok)
	assert.Equal(t, 5, v)

	v, ok = Lookup(tree, "m.k")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = Lookup(tree, "a[4].b")
	assert.False(t, ok)
	_, ok = Lookup(tree, "missing")
	assert.False(t, ok)
}

func TestSetCreatesIntermediates(t *testing.T) {
	root := Set(nil, []PathElem{{Key: "a"}, {Index: 2, IsIndex: true}, {Key: "b"}}, 1)
	assert.Equal(t, map[string]any{
		"a": []any{nil, nil, map[string]any{"b": 1}},
	}, root)

	assert.Equal(t, "x", Set("{{calls[0]}}", nil, "x"))
}

func TestResolveSubstitutesAndSkips(t *testing.T) {
	args := map[string]any{
		"a": "{{mem.user}}",
		"b": "{{mem.missing}}",
		"c": "{{nobody.here}}",
		"d": "{{broken}}",
	}
	mem := map[string]any{"user": "ada"}
	resolvers := Resolvers{
		"mem": ValueResolver(func(context.Context) (any, error) { return mem, nil }),
		"broken": func(context.Context, string) (any, error) {
			return nil, errors.New("boom")
		},
	}

	out, err := Resolve(context.Background(), args, Detect(args), resolvers, nil)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "ada", m["a"])
	// Lenient: unresolved placeholders keep their original text.
	assert.Equal(t, "{{mem.missing}}", m["b"])
	assert.Equal(t, "{{nobody.here}}", m["c"])
	assert.Equal(t, "{{broken}}", m["d"])
}

func TestResolveAwaitsSlowResolver(t *testing.T) {
	ready := make(chan any)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ready <- map[string]any{"value": 7}
	}()
	resolvers := Resolvers{
		"calls": func(ctx context.Context, path string) (any, error) {
			select {
			case v := <-ready:
				x, _ := Lookup(v, "value")
				return x, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	args := map[string]any{"n": "{{calls[0].value}}"}
	out, err := Resolve(context.Background(), args, Detect(args), resolvers, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, out.(map[string]any)["n"])
}

func TestResolveCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	args := map[string]any{"n": "{{x}}"}
	_, err := Resolve(ctx, args, Detect(args), Resolvers{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMerge(t *testing.T) {
	base := Resolvers{"a": nil, "b": nil}
	extra := Resolvers{"c": nil}
	merged := base.Merge(extra)
	assert.Len(t, merged, 3)
	assert.Len(t, base, 2)
}
