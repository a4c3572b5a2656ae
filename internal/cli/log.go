package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-runtime/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "log <context-id>",
		Short: "Show the working memory of a context",
		Args:  cobra.ExactArgs(1),
		Run:   runLog,
	}

	cmd.Flags().IntP("limit", "l", 0, "Show only the most recent N logs")
	cmd.Flags().Bool("prompts", false, "Include the prompt and response of each step")

	RootCmd.AddCommand(cmd)
}

func runLog(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	prompts, _ := cmd.Flags().GetBool("prompts")

	w, err := openRuntime(io.Discard, nil, "")
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()

	wm, err := w.agent.WorkingMemory(cmd.Context(), args[0])
	if err != nil {
		exitErr("log", err)
	}
	logs := wm.Logs()
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}

	printResult(cmd, logs, func(out io.Writer) {
		for _, l := range logs {
			mark := " "
			if !l.Base().Processed {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s %s\n", l.Base().Timestamp.Format("15:04:05.000"), mark, model.Text(l))
			if s, ok := l.(*model.StepRef); ok && prompts && s.Data.Prompt != "" {
				fmt.Fprintf(out, "--- prompt (%d tokens)\n%s\n--- response\n%s\n", s.Data.PromptTokens, s.Data.Prompt, s.Data.Response)
			}
		}
	})
}
