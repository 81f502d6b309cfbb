package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skynetops/control/pkg/api"
	"github.com/skynetops/control/pkg/config"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/manager"
	"github.com/skynetops/control/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controld",
	Short: "Control-plane task queue and scheduler for a fleet of execution gateways",
	Long: `controld is the control plane for a distributed fleet of task-execution
gateways. It accepts declarative task submissions, tracks their lifecycle
through a strict state machine, enforces dependency order and exclusive
file ownership, routes execution to healthy gateways, and reclaims work
from workers that stall or die.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"controld version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "API listen address (overrides CONTROL_LISTEN_ADDR)")
	serveCmd.Flags().String("db", "", "database path (overrides CONTROL_DB_PATH)")
	serveCmd.Flags().String("gateways-file", "", "YAML file with gateway seeds")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start the control plane: open the task store, seed the gateway
registry, spawn the scheduler and reaper loops, and serve the JSON API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v, _ := cmd.Flags().GetString("db"); v != "" {
			cfg.DBPath = v
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})
		metrics.SetVersion(Version)

		mgr, err := manager.New(cfg)
		if err != nil {
			return fmt.Errorf("starting control plane: %w", err)
		}

		if path, _ := cmd.Flags().GetString("gateways-file"); path != "" {
			seeds, err := config.LoadGatewaySeeds(path)
			if err != nil {
				return err
			}
			mgr.RegisterSeeds(seeds)
		}

		mgr.Start()

		server := api.NewServer(api.Config{
			APIKey:        cfg.APIKey,
			RatePerMinute: cfg.RatePerMinute,
			Version:       Version,
		}, mgr.Queue(), mgr.Registry(), mgr.GatewayClient())

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			mgr.Stop()
			return err
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("Received %s, shutting down", sig))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			log.Errorf("API shutdown error", err)
		}

		mgr.Stop()
		return nil
	},
}
