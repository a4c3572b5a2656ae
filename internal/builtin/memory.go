package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
)

// Notes is the memory of the short-term memory context.
type Notes struct {
	Notes map[string]string `json:"notes"`
	Goals []string          `json:"goals,omitempty"`
}

type rememberArgs struct {
	Key   string `json:"key" jsonschema:"required,description=Short name of the note"`
	Value string `json:"value" jsonschema:"required"`
}

type forgetArgs struct {
	Key string `json:"key" jsonschema:"required"`
}

type goalArgs struct {
	Goal string `json:"goal" jsonschema:"required"`
}

const memoryQueue = "short-term-memory"

// ShortTermMemory holds notes and goals shared by every chat. Its memory
// backs the shortTermMemory template resolver.
var ShortTermMemory = &agent.ContextDef{
	Type:        "short-term-memory",
	Description: "Notes and goals kept across conversations.",
	Create: func(context.Context, *model.ContextState) (any, error) {
		return &Notes{Notes: map[string]string{}}, nil
	},
	Load: func(_ context.Context, _ *model.ContextState, raw json.RawMessage) (any, error) {
		n := &Notes{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, n); err != nil {
				return nil, err
			}
		}
		if n.Notes == nil {
			n.Notes = map[string]string{}
		}
		return n, nil
	},
	Render: func(state *model.ContextState) string {
		n, ok := state.Memory.(*Notes)
		if !ok || (len(n.Notes) == 0 && len(n.Goals) == 0) {
			return ""
		}
		var b strings.Builder
		keys := make([]string, 0, len(n.Notes))
		for k := range n.Notes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, n.Notes[k])
		}
		for _, g := range n.Goals {
			fmt.Fprintf(&b, "- goal: %s\n", g)
		}
		return strings.TrimRight(b.String(), "\n")
	},
	Actions: []*agent.ActionDef{
		{
			Name:        "remember",
			Description: "Store a note under a key, replacing any previous value.",
			Schema:      schema.Reflect[rememberArgs](),
			QueueKey:    memoryQueue,
			Handler: func(ctx context.Context, cc *agent.ActionCallContext) (any, error) {
				args, err := schema.Bind[rememberArgs](cc.Data)
				if err != nil {
					return nil, err
				}
				notes(cc).Notes[args.Key] = args.Value
				return map[string]any{"key": args.Key, "stored": true}, nil
			},
		},
		{
			Name:        "forget",
			Description: "Delete a note.",
			Schema:      schema.Reflect[forgetArgs](),
			QueueKey:    memoryQueue,
			Handler: func(ctx context.Context, cc *agent.ActionCallContext) (any, error) {
				args, err := schema.Bind[forgetArgs](cc.Data)
				if err != nil {
					return nil, err
				}
				n := notes(cc)
				if _, ok := n.Notes[args.Key]; !ok {
					return nil, fmt.Errorf("no note %q", args.Key)
				}
				delete(n.Notes, args.Key)
				return map[string]any{"key": args.Key, "deleted": true}, nil
			},
		},
		{
			Name:        "add_goal",
			Description: "Record a goal to work towards.",
			Schema:      schema.Reflect[goalArgs](),
			QueueKey:    memoryQueue,
			Handler: func(ctx context.Context, cc *agent.ActionCallContext) (any, error) {
				args, err := schema.Bind[goalArgs](cc.Data)
				if err != nil {
					return nil, err
				}
				n := notes(cc)
				n.Goals = append(n.Goals, args.Goal)
				return map[string]any{"goals": len(n.Goals)}, nil
			},
		},
	},
}

func notes(cc *agent.ActionCallContext) *Notes {
	n, ok := cc.Context.Memory.(*Notes)
	if !ok {
		n = &Notes{Notes: map[string]string{}}
		cc.Context.Memory = n
	}
	return n
}
