package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hutchcloud/hutch/pkg/agent"
	"github.com/hutchcloud/hutch/pkg/api"
	"github.com/hutchcloud/hutch/pkg/config"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run keeps main to an exit-code shim. The agent has no subcommands:
// everything comes from HUTCH_* environment variables, set by the unit
// file the bootstrap role installs.
func run() error {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("hutch-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		return nil
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("agent")

	client, err := api.NewClient(api.ClientConfig{BaseURL: cfg.ServerURL, Token: cfg.Token})
	if err != nil {
		return err
	}
	src := client.AgentSource(cfg.Identity(), cfg.Groups)

	a, err := agent.New(agent.Config{
		Namespace:       cfg.Namespace,
		Groups:          cfg.Groups,
		KeyFile:         cfg.KeyFile,
		BatchSize:       cfg.BatchSize,
		WaitTime:        cfg.WaitTime,
		RefreshInterval: cfg.RefreshInterval,
	}, src, src)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Not ready until the first subscribe and file write land.
	metrics.SetVersion(Version)
	metrics.UpdateComponent("subscription", false, "connecting")
	metrics.UpdateComponent("keyfile", false, "awaiting first sync")

	// Optional local observability endpoint.
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		msrv := &http.Server{
			Addr:        cfg.MetricsListen,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer msrv.Close()
	}

	logger.Info().
		Str("identity", cfg.Identity().String()).
		Str("server", cfg.ServerURL).
		Str("key_file", cfg.KeyFile).
		Msg("agent starting")

	// Run until a signal arrives or the loop dies.
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	logger.Info().Msg("agent stopped")
	return nil
}
