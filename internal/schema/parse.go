package schema

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ParseJSON decodes model-produced JSON. Malformed input gets one repair
// attempt before failing.
func ParseJSON(content string) (any, error) {
	content = strings.TrimSpace(stripFence(content))
	if content == "" {
		return nil, nil
	}
	var v any
	err := json.Unmarshal([]byte(content), &v)
	if err == nil {
		return v, nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(content)
	if repairErr != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if err2 := json.Unmarshal([]byte(fixed), &v); err2 != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}

// stripFence removes a surrounding ``` code fence the model may add.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}

// ParseXML decodes a sequence of XML elements into a map. Repeated element
// names become slices, leaf elements become their trimmed text, attributes
// are merged into their element's map. Content without elements is returned
// as its trimmed text.
func ParseXML(content string) (any, error) {
	dec := xml.NewDecoder(strings.NewReader("<root>" + content + "</root>"))
	dec.Strict = false
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root, err := decodeElement(dec, nil)
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return root, nil
}

func decodeElement(dec *xml.Decoder, attrs []xml.Attr) (any, error) {
	var text strings.Builder
	var children map[string]any
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t.Attr)
			if err != nil {
				return nil, err
			}
			if children == nil {
				children = map[string]any{}
			}
			name := t.Name.Local
			prev, ok := children[name]
			switch {
			case !ok:
				children[name] = child
			case isList(prev):
				children[name] = append(prev.([]any), child)
			default:
				children[name] = []any{prev, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			return finish(text.String(), children, attrs), nil
		}
	}
	return finish(text.String(), children, attrs), nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

func finish(text string, children map[string]any, attrs []xml.Attr) any {
	if children == nil && len(attrs) == 0 {
		return strings.TrimSpace(text)
	}
	if children == nil {
		children = map[string]any{}
		if t := strings.TrimSpace(text); t != "" {
			children["text"] = t
		}
	}
	for _, a := range attrs {
		if _, exists := children[a.Name.Local]; !exists {
			children[a.Name.Local] = a.Value
		}
	}
	return children
}

// Bind converts generic decoded data into T through its JSON form.
func Bind[T any](v any) (T, error) {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}
