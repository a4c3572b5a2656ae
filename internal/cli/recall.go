package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agent-runtime/internal/episodes"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall <context-id> <query...>",
		Short: "Recall episodes relevant to a query",
		Long:  "Score a context's episodes by similarity and recency and pack the best into a token budget.",
		Args:  cobra.MinimumNArgs(2),
		Run:   runRecall,
	}

	cmd.Flags().IntP("budget", "b", 1000, "Token budget")
	cmd.Flags().IntP("limit", "l", 20, "Candidate chunks to score")

	RootCmd.AddCommand(cmd)

	eps := &cobra.Command{
		Use:   "episodes <context-id>",
		Short: "List the episodes of a context",
		Args:  cobra.ExactArgs(1),
		Run:   runEpisodes,
	}
	eps.Flags().Bool("reindex", false, "Rebuild the vector index from stored episodes first")

	RootCmd.AddCommand(eps)
}

func runRecall(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	limit, _ := cmd.Flags().GetInt("limit")

	w, err := openRuntime(io.Discard, nil, "")
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()

	res, err := w.agent.Recall(cmd.Context(), episodes.RecallParams{
		ContextID: args[0],
		Query:     strings.Join(args[1:], " "),
		Budget:    budget,
		Limit:     limit,
	})
	if err != nil {
		exitErr("recall", err)
	}
	printResult(cmd, res, func(out io.Writer) {
		fmt.Fprintf(out, "used %d of %d tokens\n", res.Used, res.Budget)
		for _, r := range res.Episodes {
			fmt.Fprintf(out, "\n[%s %.2f] %s\n%s\n", r.Type, r.Score, r.EpisodeID, r.Content)
		}
	})
}

func runEpisodes(cmd *cobra.Command, args []string) {
	reindex, _ := cmd.Flags().GetBool("reindex")

	w, err := openRuntime(io.Discard, nil, "")
	if err != nil {
		exitErr("open runtime", err)
	}
	defer w.Close()

	if reindex {
		n, err := w.tracker.Reindex(cmd.Context(), args[0])
		if err != nil {
			exitErr("reindex", err)
		}
		logger.Info("reindexed episodes", "context", args[0], "count", n)
	}
	eps, err := w.tracker.Episodes(cmd.Context(), args[0])
	if err != nil {
		exitErr("episodes", err)
	}
	printResult(cmd, eps, func(out io.Writer) {
		for _, ep := range eps {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", ep.ID, ep.Type, ep.EndedAt.Format("2006-01-02 15:04"), ep.Summary)
		}
	})
}
