package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-runtime/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <context-id>",
		Short: "Delete a context",
		Long: "Delete a context together with its working memory and episodes. " +
			"With --key, delete raw store keys instead.",
		Args: cobra.MaximumNArgs(1),
		Run:  runRm,
	}

	cmd.Flags().StringP("key", "k", "", "Raw store key to delete")
	cmd.Flags().Bool("prefix", false, "Treat --key as a prefix")
	cmd.Flags().Bool("hard", false, "Permanent delete of every version (irreversible)")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	prefix, _ := cmd.Flags().GetBool("prefix")
	hard, _ := cmd.Flags().GetBool("hard")

	if key != "" {
		s, err := openStore()
		if err != nil {
			exitErr("open store", err)
		}
		defer s.Close()
		if err := s.Rm(cmd.Context(), store.RmParams{Key: key, Prefix: prefix, Hard: hard}); err != nil {
			exitErr("rm", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"key":%q}`+"\n", key)
		return
	}
	if len(args) != 1 {
		exitErr("rm", fmt.Errorf("a context id or --key is required"))
	}

	w, err := openRuntime(io.Discard, nil, "")
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()
	if err := w.agent.DeleteContext(cmd.Context(), args[0]); err != nil {
		exitErr("rm", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"context":%q}`+"\n", args[0])
}
