package builtin

import (
	"fmt"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
)

// Chat is a conversation with one user, keyed by its id. It composes the
// shared short-term memory.
var Chat = &agent.ContextDef{
	Type:        "chat",
	Description: "A conversation with a user.",
	Schema:      schema.MustJSON(`{"type":"object","properties":{"id":{"type":"string","minLength":1}},"required":["id"]}`),
	Key:         func(args map[string]any) string { return fmt.Sprint(args["id"]) },
	Instructions: func(state *model.ContextState) string {
		return fmt.Sprintf("You are talking with user %q. Answer with a message output. "+
			"Keep notes worth remembering with the remember action.", state.Key)
	},
	Compose: func(*model.ContextState) []agent.ContextRef {
		return []agent.ContextRef{agent.Ref(ShortTermMemory, nil)}
	},
}

// ChatRef names the chat with id.
func ChatRef(id string) agent.ContextRef {
	return agent.Ref(Chat, map[string]any{"id": id})
}
