package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/hutchcloud/hutch/pkg/api"
	"github.com/hutchcloud/hutch/pkg/config"
	"github.com/hutchcloud/hutch/pkg/controller"
	"github.com/hutchcloud/hutch/pkg/events"
	"github.com/hutchcloud/hutch/pkg/fleet"
	"github.com/hutchcloud/hutch/pkg/imaging"
	"github.com/hutchcloud/hutch/pkg/keystore"
	"github.com/hutchcloud/hutch/pkg/log"
	"github.com/hutchcloud/hutch/pkg/metrics"
	"github.com/hutchcloud/hutch/pkg/provider"
	"github.com/hutchcloud/hutch/pkg/publisher"
	"github.com/hutchcloud/hutch/pkg/queue"
	"github.com/hutchcloud/hutch/pkg/role"
	"github.com/hutchcloud/hutch/pkg/sshexec"
	"github.com/hutchcloud/hutch/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the hutch control plane",
	Long: `Run the hutch control plane: instance registry, key store, publisher,
delivery queues, and the HTTP API.

Settings come from an optional YAML file (--config) with flags layered
on top. State lives under the data directory; the control-plane SSH
keypair is generated there on first start.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "YAML configuration file")
	serverCmd.Flags().String("listen", "", "API bind address")
	serverCmd.Flags().String("db", "", "Data directory for registry and key store")
	serverCmd.Flags().String("token", "", "Static bearer token for /v1 routes")
	serverCmd.Flags().String("roles", "", "Role manifest directory")
	serverCmd.Flags().Bool("dev", false, "Use the in-memory fake compute provider")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	// Flags override the file only when actually given.
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("db") {
		cfg.DataDir, _ = cmd.Flags().GetString("db")
	}
	if cmd.Flags().Changed("token") {
		cfg.Token, _ = cmd.Flags().GetString("token")
	}
	if cmd.Flags().Changed("roles") {
		cfg.RolesDir, _ = cmd.Flags().GetString("roles")
	}
	if cmd.Flags().Changed("dev") {
		cfg.Dev, _ = cmd.Flags().GetBool("dev")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")

	fmt.Println("Starting hutch control plane...")
	fmt.Printf("  Listen:         %s\n", cfg.Listen)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	signer, pubKey, err := sshexec.LoadOrCreateKeyPair(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load control key: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open instance registry: %v", err)
	}
	defer store.Close()

	keys, err := keystore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open key store: %v", err)
	}
	defer keys.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	queues := queue.NewBroker(cfg.VisibilityTimeout.Std())

	pub, err := publisher.New(keys, queues, store, broker, publisher.Config{})
	if err != nil {
		return fmt.Errorf("failed to create publisher: %v", err)
	}

	roles := role.Builtin()
	if cfg.RolesDir != "" {
		n, err := roles.LoadDir(cfg.RolesDir)
		if err != nil {
			return fmt.Errorf("failed to load role manifests: %v", err)
		}
		fmt.Printf("✓ Loaded %d role manifests from %s\n", n, cfg.RolesDir)
	}

	var prov provider.API
	if cfg.Dev {
		prov = provider.NewFake()
		fmt.Println("✓ Using fake compute provider (--dev)")
	} else {
		return fmt.Errorf("no compute provider configured; run with --dev for the in-memory fake")
	}

	ctrl, err := controller.New(controller.Deps{
		Store:     store,
		Provider:  prov,
		Roles:     roles,
		Keys:      pub,
		Events:    broker,
		Signer:    signer,
		PublicKey: pubKey,
	}, controller.Config{
		ProvisionTimeout:  cfg.ProvisionTimeout.Std(),
		BootstrapAttempts: cfg.BootstrapAttempts,
		AdvertiseURL:      cfg.AdvertiseURL,
		AgentToken:        cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %v", err)
	}

	boxes := fleet.New(ctrl)

	images, err := imaging.New(store, prov, ctrl, broker, imaging.Config{
		CaptureTimeout: cfg.CaptureTimeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("failed to create image builder: %v", err)
	}

	// State gauges refresh on their own ticker.
	collector := metrics.NewCollector(store, queues)
	collector.Start()
	defer collector.Stop()

	// The janitor drops queues of terminated boxes and prunes old
	// terminated records.
	if cfg.Janitor.Schedule != "" {
		janitor := cron.New()
		_, err := janitor.AddFunc(cfg.Janitor.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := pub.Cleanup(ctx, cfg.Janitor.Retention.Std()); err != nil {
				logger.Error().Err(err).Msg("janitor pass failed")
			}
		})
		if err != nil {
			return fmt.Errorf("bad janitor schedule %q: %v", cfg.Janitor.Schedule, err)
		}
		janitor.Start()
		defer janitor.Stop()
		fmt.Printf("✓ Janitor scheduled (%s)\n", cfg.Janitor.Schedule)
	}

	apiServer, err := api.NewServer(api.Deps{
		Controller: ctrl,
		Fleet:      boxes,
		Imaging:    images,
		Publisher:  pub,
		Store:      store,
		Events:     broker,
	}, api.Config{
		Addr:    cfg.Listen,
		Token:   cfg.Token,
		Version: Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %v", err)
	}

	// Start API server in background
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()

	if cfg.Token == "" {
		fmt.Println("⚠ No API token configured; /v1 routes are open")
	}
	fmt.Println()
	fmt.Println("Control plane is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Shutdown: stop taking requests, wait for detached operations.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown incomplete")
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
