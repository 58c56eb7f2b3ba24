package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zenglow/fusionrank/pkg/types"
)

var (
	queryTenant     string
	queryTopK       int
	queryExperiment string
	queryFeatures   bool
	queryGenerate   bool
	queryJSON       bool
)

func init() {
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "tenant to query (default \"default\")")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().StringVar(&queryExperiment, "experiment", "", "score with this experiment ID instead of the active one")
	queryCmd.Flags().BoolVar(&queryFeatures, "features", false, "include feature vectors")
	queryCmd.Flags().BoolVar(&queryGenerate, "generate", false, "generate an answer from the top passages")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the full response as JSON")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Rank passages for a query",
	Long: `Run a query through the full pipeline and print the ranked results.

Examples:
  fusionrank query --tenant acme "what pricing tiers exist"
  fusionrank query -k 3 --json "refund policy"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	start := time.Now()
	resp, err := a.Engine.Query(ctx, types.QueryRequest{
		QueryText:          strings.Join(args, " "),
		TenantID:           queryTenant,
		TopK:               queryTopK,
		ExperimentOverride: queryExperiment,
		IncludeFeatures:    queryFeatures,
		Generate:           queryGenerate,
	})
	if err != nil {
		return err
	}
	a.Stats.Record("cli", time.Since(start), resp.CacheHit)

	out := cmd.OutOrStdout()
	if queryJSON {
		return printJSON(out, resp)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCHUNK\tFUSED\tLTR\tCONCEPT\tPREVIEW")
	for i, r := range resp.Results {
		fmt.Fprintf(tw, "%d\t%d\t%.4f\t%.4f\t%.4f\t%s\n",
			i+1, r.ChunkID, r.FusedScore, r.LTRScore, r.ConceptualScore, oneLine(r.TextPreview, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nexperiment=%s weights=%.2f/%.2f scoring=%s cache=%s took=%.1fms",
		resp.ExperimentID, resp.FusionWeights.LTR, resp.FusionWeights.Concept,
		resp.ScoringVersion, resp.CacheHit, resp.TookMs)
	if resp.Reason != "" {
		fmt.Fprintf(out, " reason=%s", resp.Reason)
	}
	fmt.Fprintln(out)

	if queryGenerate {
		if resp.AnswerError != "" {
			fmt.Fprintf(out, "\nanswer unavailable: %s\n", resp.AnswerError)
		} else {
			fmt.Fprintf(out, "\n%s\n", resp.Answer)
		}
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}
