package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), cfg.DBPath)
	if err != nil {
		exitErr("stats", err)
	}

	printResult(cmd, stats, func(out io.Writer) {
		fmt.Fprintf(out, "%s (%d bytes)\nentries: %d active, %d total\n",
			stats.DBPath, stats.DBSizeBytes, stats.ActiveEntries, stats.TotalEntries)
		for _, k := range stats.Kinds {
			fmt.Fprintf(out, "  %-16s %d keys, %d versions\n", k.Kind, k.Keys, k.Count)
		}
	})
}
