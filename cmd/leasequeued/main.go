package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/rwool/leasequeue/cmd/service"
	"github.com/rwool/leasequeue/pkg/config"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "leasequeued",
		Short: "Lease based multi-tenant work queue",
		Long: "leasequeued serves an index queue backed by Redis and an encrypted record store, " +
			"and optionally a log claim queue and event emitter backed by Kafka.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (optional)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the log subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load(configPath)
			if err != nil {
				return err
			}
			l := service.NewLogger(log.NewJSONLogger(os.Stderr), conf.Log.Debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := service.Run(ctx, conf, l); err != nil {
				_ = l.Log("LEVEL", "ERROR", "MESSAGE", err)
				return err
			}
			return nil
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
