package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/cleanup"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/daemon"
	"github.com/cuemby/hutch/pkg/dns"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/ingress"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/monitor"
	"github.com/cuemby/hutch/pkg/project"
	"github.com/cuemby/hutch/pkg/provisioner"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/session"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/workspace"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session engine",
	Long: `Run the session engine: the admin API, the ingress proxy, the pool
reconciler and the runtime monitors.

Examples:
  # Run with defaults (Docker runtime, pool disabled)
  hutch serve

  # Keep two warm sessions per project
  hutch serve --pool-size 2 -c hutch.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides the config file)")
	serveCmd.Flags().Int("pool-size", -1, "Pooled sessions per project (overrides the config file)")
	serveCmd.Flags().String("api-addr", "", "Admin API address (overrides the config file)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if size, _ := cmd.Flags().GetInt("pool-size"); size >= 0 {
		cfg.Pool.TargetSize = size
	}
	if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
		cfg.API.ListenAddr = addr
	}

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	fmt.Println("Starting hutch...")
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Runtime: %s\n", cfg.Runtime.Driver)
	fmt.Printf("  Pool Size: %d\n", cfg.Pool.TargetSize)
	fmt.Println()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	rt, err := newRuntime(cfg)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentRuntime, false, err.Error())
		return err
	}
	defer rt.Close()
	metrics.RegisterComponent(metrics.ComponentRuntime, true, cfg.Runtime.Driver)
	fmt.Printf("✓ %s runtime connected\n", cfg.Runtime.Driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	workspaces, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	ctrl, err := daemon.New(cfg.Daemon.URL, cfg.Daemon.Timeout)
	if err != nil {
		return err
	}

	registry := ingress.NewRegistry(cfg.Ingress.Domain)

	var hosts ingress.HostResolver
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(store, rt, &dns.Config{
			ListenAddr: cfg.DNS.ListenAddr,
			Upstream:   cfg.DNS.Upstream,
			Address:    cfg.DNS.Address,
		})
		if err := dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DNS server: %w", err)
		}
		defer dnsServer.Stop()
		hosts = dnsServer.Resolver()
		metrics.RegisterComponent(metrics.ComponentDNS, true, dnsServer.Addr())
		fmt.Printf("✓ DNS server listening on %s\n", dnsServer.Addr())
	}

	cleaner := cleanup.NewService(cleanup.Options{
		Store:       store,
		Runtime:     rt,
		Registrar:   registry,
		Daemon:      ctrl,
		Publisher:   broker,
		Workspaces:  workspaces,
		Cache:       broker,
		StopTimeout: cfg.Runtime.StopTimeout,
	})

	prov := provisioner.New(provisioner.Options{
		Store:          store,
		Runtime:        rt,
		Registrar:      registry,
		Publisher:      broker,
		Workspaces:     workspaces,
		Cleaner:        cleaner,
		WorkspaceMount: cfg.Workspace.Mount,
		HealthTimeout:  cfg.Runtime.HealthTimeout,
	})

	recon := reconciler.NewReconciler(store, prov, cleaner, ctrl, broker, reconciler.Config{
		TargetSize:  cfg.Pool.TargetSize,
		Timeout:     cfg.Pool.Timeout,
		Interval:    cfg.Pool.Interval,
		BackoffBase: cfg.Pool.BackoffBase,
		BackoffCap:  cfg.Pool.BackoffCap,
	})
	recon.Start()
	defer recon.Stop()
	metrics.RegisterComponent(metrics.ComponentReconciler, true, "")
	fmt.Println("✓ Pool reconciler started")

	sessions := session.NewManager(store, prov, recon, cleaner, broker)
	defer sessions.Wait()

	monCfg := monitor.Config{
		InitialDelay: cfg.Monitor.InitialDelay,
		MaxDelay:     cfg.Monitor.MaxDelay,
	}
	logTrackers := monitor.NewLogTrackers(rt, broker, monCfg)
	defer logTrackers.StopAll()
	network := monitor.NewSharedNetwork(rt, store, cfg.Runtime.SharedNetwork)
	containers := monitor.NewContainerEvents(store, rt, broker)
	containers.Logs = logTrackers
	containers.Network = network

	containerLoop := monitor.NewLoop[runtime.Event]("containers", containers, monCfg)
	networkLoop := monitor.NewLoop[runtime.Event]("network", network, monCfg)
	networkLoop.Start(ctx)
	containerLoop.Start(ctx)
	defer containerLoop.Stop()
	defer networkLoop.Stop()
	fmt.Println("✓ Runtime monitors started")

	collector := metrics.NewCollector(store, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	proxy := ingress.NewProxy(registry, ingress.Config{
		ListenAddr:        cfg.Ingress.ListenAddr,
		RequestsPerSecond: cfg.Ingress.RequestsPerSecond,
		Burst:             cfg.Ingress.Burst,
	}, hosts)
	errCh := make(chan error, 2)
	go func() {
		if err := proxy.Start(ctx); err != nil {
			errCh <- fmt.Errorf("ingress proxy error: %w", err)
		}
	}()
	metrics.RegisterComponent(metrics.ComponentIngress, true, "")
	fmt.Printf("✓ Ingress proxy listening on %s (*.%s)\n", cfg.Ingress.ListenAddr, cfg.Ingress.Domain)

	apiServer := api.NewServer(sessions, project.NewCatalog(store), recon, api.Config{
		ListenAddr: cfg.API.ListenAddr,
		ReadOnly:   cfg.API.ReadOnly,
	})
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.RegisterComponent(metrics.ComponentAPI, true, "")
	fmt.Printf("✓ Admin API listening on %s\n", cfg.API.ListenAddr)

	fmt.Println()
	fmt.Println("Hutch is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down after error")
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown failed")
	}
	cancel()
	return runErr
}

// newRuntime connects to the configured container runtime
func newRuntime(cfg *config.Config) (runtime.Provider, error) {
	switch cfg.Runtime.Driver {
	case config.DriverContainerd:
		return runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.LogDir)
	default:
		return runtime.NewDockerRuntime(cfg.Runtime.Socket)
	}
}
