package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nidsguard/internal/app"
	"nidsguard/internal/model"
	"nidsguard/internal/scheduler"
)

var (
	predictModel string
	predictCount int
	predictJSON  bool
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Score sampled records once and print the results",
	Long: `Score one or more sampled feature records and print the results.

With --count greater than one the records are sent to the model service as a
single batch. Results fall back to the local heuristic when the service is
unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if predictCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		a := app.New(mgr, newLogger(mgr.Get()), version)
		defer a.Stop()
		ctx := cmd.Context()
		a.RefreshCatalog(ctx)

		var out []model.PredictionResult
		if predictCount == 1 {
			res, err := a.Scheduler().RequestPrediction(ctx, scheduler.Request{ModelID: predictModel})
			if err != nil {
				return err
			}
			out = append(out, res)
		} else {
			id := predictModel
			if id == "" {
				if id, err = a.Catalog().Pick(nil); err != nil {
					return err
				}
			}
			recs := make([]model.FeatureRecord, predictCount)
			for i := range recs {
				recs[i] = a.Sampler().Sample()
			}
			out = a.Gateway().InferBatch(ctx, id, recs, 0)
		}
		if predictJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		return printResults(cmd.OutOrStdout(), out)
	},
}

func printResults(w io.Writer, list []model.PredictionResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tLABEL\tCONFIDENCE\tSOURCE\tPRODUCED\tNOTE")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\t%s\t%s\n",
			r.ModelID,
			strings.ToUpper(string(r.Label)),
			r.Confidence,
			r.Source,
			r.ProducedAt.Format(time.RFC3339),
			r.FallbackReason,
		)
	}
	return tw.Flush()
}

func init() {
	predictCmd.Flags().StringVarP(&predictModel, "model", "m", "", "model id (default: random active model)")
	predictCmd.Flags().IntVarP(&predictCount, "count", "n", 1, "number of records to score")
	predictCmd.Flags().BoolVar(&predictJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(predictCmd)
}
