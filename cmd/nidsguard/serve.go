package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nidsguard/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prediction pipeline and HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(mgr.Get())
		logger.Info("nidsguard starting", "version", version, "config", mgr.Path())

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a := app.New(mgr, logger, version)
		if err := a.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		a.Stop()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
