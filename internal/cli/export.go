package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored entries as JSON",
		Long:  "Export the latest version of every stored key. Filter by key prefix with -p (e.g. context:, episode:chat:ana).",
		Run:   runExport,
	}

	cmd.Flags().StringP("prefix", "p", "", "Filter by key prefix")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	prefix, _ := cmd.Flags().GetString("prefix")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	entries, err := s.ExportAll(cmd.Context(), prefix)
	if err != nil {
		exitErr("export", err)
	}
	printResult(cmd, entries, nil)
}
