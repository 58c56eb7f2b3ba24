package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zenglow/fusionrank/internal/experiment"
	"github.com/zenglow/fusionrank/pkg/types"
)

var (
	expTenant  string
	expName    string
	expLTR     float64
	expConcept float64
	expVariant string
)

func init() {
	experimentCmd.PersistentFlags().StringVar(&expTenant, "tenant", "", "tenant (default \"default\")")

	experimentActivateCmd.Flags().StringVar(&expName, "name", "", "experiment name")
	experimentActivateCmd.Flags().Float64Var(&expLTR, "w-ltr", 0, "weight of the learned-to-rank score")
	experimentActivateCmd.Flags().Float64Var(&expConcept, "w-concept", 0, "weight of the conceptual score")
	experimentActivateCmd.Flags().StringVar(&expVariant, "model-variant", "", "scorer variant: linear, gbdt or passthrough")
	_ = experimentActivateCmd.MarkFlagRequired("w-ltr")
	_ = experimentActivateCmd.MarkFlagRequired("w-concept")

	experimentCmd.AddCommand(experimentActivateCmd)
	experimentCmd.AddCommand(experimentShowCmd)
	experimentCmd.AddCommand(experimentListCmd)
}

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Manage scoring experiments",
}

var experimentActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate fusion weights for a tenant",
	Long: `Activate a new experiment. The previous one is deactivated and every cached
response of the tenant is dropped.

Examples:
  fusionrank experiment activate --tenant acme --name concept-heavy --w-ltr 0.3 --w-concept 0.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		exp, err := a.Experiments.Activate(ctx, expTenant, experiment.ActivateRequest{
			Name:         expName,
			Weights:      types.Weights{LTR: expLTR, Concept: expConcept},
			ModelVariant: expVariant,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), exp)
	},
}

var experimentShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		exp, err := a.Experiments.Active(ctx, expTenant)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), exp)
	},
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer closeApp(a)

		exps, err := a.Experiments.List(ctx, expTenant)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tW_LTR\tW_CONCEPT\tVARIANT\tACTIVE\tCREATED")
		for _, e := range exps {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%.2f\t%s\t%t\t%s\n",
				e.ID, e.Name, e.Weights.LTR, e.Weights.Concept, e.ModelVariant, e.Active,
				e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}
