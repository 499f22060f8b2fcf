package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/preempt-io/preempt/pkg/config"
	"github.com/preempt-io/preempt/pkg/coordinator"
	"github.com/preempt-io/preempt/pkg/events"
	"github.com/preempt-io/preempt/pkg/log"
	"github.com/preempt-io/preempt/pkg/metrics"
	"github.com/preempt-io/preempt/pkg/routing"
	"github.com/preempt-io/preempt/pkg/storage"
	"github.com/preempt-io/preempt/pkg/transfer"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the migration engine",
	Long: `Run the monitoring and migration engine: accept telemetry,
raise advisories, execute migration plans, and expose Prometheus
metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		}
		log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %v", err)
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		coord, err := coordinator.New(cfg, store, transfer.NewMemory(), routing.NewTable(), broker)
		if err != nil {
			return err
		}
		coord.Start()
		defer coord.Stop()

		errCh := make(chan error, 1)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()

		fmt.Printf("Engine is running, metrics on %s. Press Ctrl+C to stop.\n", cfg.MetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to config file (YAML)")
}
