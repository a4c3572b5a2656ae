package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-runtime/internal/agent"
	"github.com/rcliao/agent-runtime/internal/builtin"
	"github.com/rcliao/agent-runtime/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run [message...]",
		Short: "Talk to the agent",
		Long: "Send a message to a chat and print the replies. Without a message, " +
			"lines are read from stdin until EOF, one run per line.",
		Run: runRun,
	}

	cmd.Flags().StringP("user", "u", "default", "Chat id")
	cmd.Flags().String("script", "", "YAML script of model responses (scripted provider)")
	cmd.Flags().Bool("thoughts", false, "Print reasoning to stderr as it streams")

	RootCmd.AddCommand(cmd)
}

func runRun(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	script, _ := cmd.Flags().GetString("script")
	thoughts, _ := cmd.Flags().GetBool("thoughts")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	var session *builtin.Session
	if len(args) == 0 {
		session = builtin.NewSession(user, cmd.InOrStdin())
	}
	w, err := openRuntime(out, session, script)
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()

	contextID := model.ContextID(builtin.Chat.Type, user)
	if thoughts {
		defer w.agent.Subscribe(contextID, thoughtPrinter(cmd.ErrOrStderr()))()
	}

	if session == nil {
		logs, err := w.agent.Send(ctx, builtin.ChatRef(user), "cli", strings.Join(args, " "))
		if err != nil {
			exitErr("run", err)
		}
		reportErrors(cmd.ErrOrStderr(), logs)
		return
	}

	if err := w.agent.Start(ctx); err != nil {
		exitErr("start", err)
	}
	select {
	case <-session.Done:
	case <-ctx.Done():
	}
	w.agent.Stop()
}

// thoughtPrinter streams reasoning: partial updates print the new suffix.
func thoughtPrinter(w io.Writer) agent.Subscriber {
	printed := map[string]int{}
	return func(l model.Log, done bool) {
		th, ok := l.(*model.Thought)
		if !ok {
			return
		}
		n := printed[th.ID]
		if n < len(th.Content) {
			fmt.Fprint(w, th.Content[n:])
			printed[th.ID] = len(th.Content)
		}
		if done {
			fmt.Fprintln(w)
			delete(printed, th.ID)
		}
	}
}

func reportErrors(w io.Writer, logs []model.Log) {
	for _, l := range logs {
		if ev, ok := l.(*model.EventRef); ok && ev.Name == "error" {
			fmt.Fprintln(w, "warning:", model.Text(ev))
		}
	}
}
