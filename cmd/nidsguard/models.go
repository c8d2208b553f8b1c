package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nidsguard/internal/app"
)

var modelsMetrics bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		a := app.New(mgr, newLogger(mgr.Get()), version)
		defer a.Stop()
		ctx := cmd.Context()
		a.RefreshCatalog(ctx)

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "source: %s\n\n", a.Catalog().Source())
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		header := "ID\tNAME\tTYPE\tSTATUS\tACCURACY\tTRAINED"
		if modelsMetrics {
			header += "\tPRECISION\tRECALL\tF1"
		}
		fmt.Fprintln(tw, header)
		for _, m := range a.Catalog().Models() {
			trained := "-"
			if !m.LastTrainedAt.IsZero() {
				trained = m.LastTrainedAt.Format("2006-01-02")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s", m.ID, m.DisplayName, m.Type, m.Status, m.ReportedAccuracy, trained)
			if modelsMetrics {
				mm := a.Gateway().Metrics(ctx, m.ID, 0)
				fmt.Fprintf(tw, "\t%.3f\t%.3f\t%.3f", mm.Precision, mm.Recall, mm.F1Score)
			}
			fmt.Fprintln(tw)
		}
		return tw.Flush()
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsMetrics, "metrics", false, "also fetch evaluation metrics per model")
	rootCmd.AddCommand(modelsCmd)
}
