// Package builtin provides the contexts, actions, outputs and inputs the
// command line agent is assembled from.
package builtin

import (
	"io"

	"github.com/rcliao/agent-runtime/internal/agent"
)

// Options registers every built-in definition. Messages are written to out;
// a non-nil session feeds the cli input once the agent starts.
func Options(out io.Writer, session *Session) []agent.Option {
	return []agent.Option{
		agent.WithContexts(Chat, ShortTermMemory),
		agent.WithShortTermMemory(ShortTermMemory.Type),
		agent.WithOutputs(Message(out)),
		agent.WithInputs(CLIInput(session)),
	}
}
