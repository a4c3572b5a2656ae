package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSchemaValidate(t *testing.T) {
	s := MustJSON(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1}
		},
		"required": ["query"]
	}`)

	assert.NoError(t, s.Validate(map[string]any{"query": "go", "limit": 3}))

	err := s.Validate(map[string]any{"limit": 0})
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Issues, 2)

	paths := []string{ve.Issues[0].Path, ve.Issues[1].Path}
	assert.Contains(t, paths, "/limit")
	assert.Contains(t, paths, "")
	for _, is := range ve.Issues {
		assert.NotEmpty(t, is.Message)
	}
}

func TestInvalidSchema(t *testing.T) {
	_, err := JSON(`{"type": 12}`)
	assert.Error(t, err)
	_, err = JSON(`not json`)
	assert.Error(t, err)
}

func TestCompiledCacheReuse(t *testing.T) {
	raw := `{"type":"object","properties":{"n":{}},"required":["n"]}`
	a := MustJSON(raw)
	b := MustJSON(raw)
	assert.Same(t, a.compiled, b.compiled)
}

func TestTextSchema(t *testing.T) {
	s := Text()
	assert.True(t, s.IsText())
	assert.NoError(t, s.Validate("anything"))
	assert.Error(t, s.Validate(map[string]any{}))
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	var s *Schema
	assert.NoError(t, s.Validate(42))
	assert.Nil(t, s.Raw())
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func TestReflect(t *testing.T) {
	s := Reflect[searchArgs]()

	var doc map[string]any
	require.NoError(t, json.Unmarshal(s.Raw(), &doc))
	assert.Equal(t, "object", doc["type"])
	assert.Contains(t, doc["properties"], "query")
	assert.Equal(t, []any{"query"}, doc["required"])

	assert.NoError(t, s.Validate(searchArgs{Query: "x"}))
	assert.Error(t, s.Validate(map[string]any{"limit": 2}))
	assert.Error(t, s.Validate(map[string]any{"query": "x", "unknown": true}))
}

func TestParseJSON(t *testing.T) {
	v, err := ParseJSON(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = ParseJSON("```json\n{\"a\": [1, 2]}\n```")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{float64(1), float64(2)}}, v)

	// Trailing comma and single quotes are repaired.
	v, err = ParseJSON(`{'a': 1,}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = ParseJSON("   ")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParseXML(t *testing.T) {
	v, err := ParseXML(`<query>go</query><tag>a</tag><tag>b</tag><opt level="2">x</opt>`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"query": "go",
		"tag":   []any{"a", "b"},
		"opt":   map[string]any{"text": "x", "level": "2"},
	}, v)

	v, err = ParseXML("  plain text ")
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestBind(t *testing.T) {
	got, err := Bind[searchArgs](map[string]any{"query": "go", "limit": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, searchArgs{Query: "go", Limit: 5}, got)
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(searchArgs{Query: "q", Limit: 2})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, json.Number("2"), m["limit"])
}
