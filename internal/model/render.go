package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Text renders a log as a short human-readable line: a bracketed ref label
// followed by its content.
func Text(l Log) string {
	switch v := l.(type) {
	case *InputRef:
		return fmt.Sprintf("[input %s] %s", v.Type, firstNonEmpty(v.Formatted, stringify(v.Content)))
	case *OutputRef:
		if v.Error != "" {
			return fmt.Sprintf("[output %s error] %s", v.Type, v.Error)
		}
		return fmt.Sprintf("[output %s] %s", v.Type, firstNonEmpty(v.Formatted, v.Content))
	case *Thought:
		return "[thought] " + v.Content
	case *ActionCall:
		body := v.Content
		if v.Data != nil {
			body = stringify(v.Data)
		}
		return fmt.Sprintf("[call %s] %s", v.Name, body)
	case *ActionResult:
		label := "result"
		if v.Failed {
			label = "result failed"
		}
		return fmt.Sprintf("[%s %s] %s", label, v.Name, firstNonEmpty(v.Formatted, stringify(v.Data)))
	case *EventRef:
		return fmt.Sprintf("[event %s] %s", v.Name, stringify(v.Data))
	case *StepRef:
		return fmt.Sprintf("[step %d]", v.Step)
	case *RunRef:
		return fmt.Sprintf("[run %s]", v.RunID)
	}
	return fmt.Sprintf("[%T]", l)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
