package builtin

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/schema"
)

// CLIInput is text typed by the user. With a non-nil source it also
// subscribes: every non-empty line read from the source is sent to the chat
// named by the "user" field of the session.
func CLIInput(src *Session) *agent.InputDef {
	def := &agent.InputDef{
		Type:        "cli",
		Description: "A line typed by the user.",
		Schema:      schema.MustJSON(`{"type":"string","minLength":1}`),
		Handler: func(ctx context.Context, data any, in *agent.InputContext) (any, error) {
			s, _ := data.(string)
			return strings.TrimSpace(s), nil
		},
		Format: func(ref *model.InputRef) string {
			s, _ := ref.Data.(string)
			return s
		},
	}
	if src != nil {
		def.Subscribe = src.subscribe
	}
	return def
}

// Session reads user lines for one chat.
type Session struct {
	User   string
	Reader io.Reader
	// Done is closed once the reader is exhausted and every line was handled.
	Done chan struct{}
}

// NewSession returns a session reading lines of user from r.
func NewSession(user string, r io.Reader) *Session {
	return &Session{User: user, Reader: r, Done: make(chan struct{})}
}

func (s *Session) subscribe(ctx context.Context, send agent.SendFunc, a *agent.Agent) error {
	defer close(s.Done)
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.Reader)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	ref := ChatRef(s.User)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := send(ctx, ref, line); err != nil {
				a.Logger().Warn("cli input failed", "error", err)
			}
		}
	}
}
