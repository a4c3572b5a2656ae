package builtin

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
)

// Message is the reply output. Each message is written to w on its own line.
func Message(w io.Writer) *agent.OutputDef {
	var mu sync.Mutex
	return &agent.OutputDef{
		Type:         "message",
		Description:  "Send a message to the user.",
		Instructions: "Plain text. One output per message.",
		Examples:     []string{`<output type="message">Hello! How can I help?</output>`},
		Schema:       schema.Text(),
		Handler: func(ctx context.Context, data any, oc *agent.OutputContext) ([]agent.OutputResponse, error) {
			text, _ := data.(string)
			if w != nil {
				mu.Lock()
				_, err := fmt.Fprintln(w, text)
				mu.Unlock()
				if err != nil {
					return nil, err
				}
			}
			return []agent.OutputResponse{{Params: map[string]string{"delivered": "true"}}}, nil
		},
		Format: func(ref *model.OutputRef) string {
			s, _ := ref.Data.(string)
			return s
		},
	}
}
