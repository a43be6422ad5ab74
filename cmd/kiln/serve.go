package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiln-ci/kiln/pkg/api"
	"github.com/kiln-ci/kiln/pkg/config"
	"github.com/kiln-ci/kiln/pkg/controller"
	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/spool"
	"github.com/kiln-ci/kiln/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Kiln server",
	Long: `Run the Kiln server: the HTTP API and the reconciliation controller
in one process, sharing a single store.

The controller owns all container lifecycle operations. The API only
records submissions and reads state, so either side can restart without
corrupting the other.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to YAML config file")
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Output:     os.Stderr,
	})
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}
	store, err := storage.NewBoltStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()

	sp, err := spool.New(cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to create spool: %v", err)
	}

	rt, err := runtime.NewContainerdRuntime(runtime.Config{
		SocketPath:  cfg.ContainerdSocket,
		Namespace:   cfg.ContainerdNamespace,
		NamePrefix:  cfg.ContainerPrefix,
		LogDir:      filepath.Join(cfg.SpoolDir, "logs"),
		Image:       cfg.Image,
		TestCommand: cfg.TestCommand,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %v", err)
	}
	defer rt.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	ctrl := controller.New(store, rt, sp, broker, controller.Config{
		Interval:   cfg.ReconcileInterval,
		JobTimeout: cfg.JobTimeout,
	})
	ctrl.Start()

	server := api.NewServer(store, rt, sp, broker, api.Config{
		ListenAddr:          cfg.ListenAddr,
		StreamQueuedTimeout: cfg.StreamQueuedTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown incomplete")
	}
	ctrl.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}
