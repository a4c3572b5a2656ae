package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List stored contexts",
		Run:   runContexts,
	}

	RootCmd.AddCommand(cmd)
}

func runContexts(cmd *cobra.Command, args []string) {
	w, err := openRuntime(io.Discard, nil, "")
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()

	snaps, err := w.agent.Contexts(cmd.Context())
	if err != nil {
		exitErr("contexts", err)
	}
	printResult(cmd, snaps, func(out io.Writer) {
		for _, s := range snaps {
			fmt.Fprintf(out, "%s\t%s\tmax_steps=%d\n", s.ID, s.Type, s.Settings.MaxSteps)
		}
	})
}
