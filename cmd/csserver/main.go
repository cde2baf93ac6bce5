package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flag"

	"github.com/snews-network/coincidence-server/internal/alert"
	"github.com/snews-network/coincidence-server/internal/bus"
	"github.com/snews-network/coincidence-server/internal/config"
	"github.com/snews-network/coincidence-server/internal/consumer"
	"github.com/snews-network/coincidence-server/internal/falsealarm"
	"github.com/snews-network/coincidence-server/internal/heartbeat"
	"github.com/snews-network/coincidence-server/internal/ops"
	"github.com/snews-network/coincidence-server/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("csserver %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("csserver - SNEWS coincidence server")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  csserver init              Generate example configuration")
		fmt.Println("  csserver --version         Show version information")
		fmt.Println("  csserver --config <path>   Start with configuration file")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting csserver %s\n", version)
	fmt.Printf("  Server tag: %s\n", cfg.Server.Tag)
	fmt.Printf("  Coincidence window: %.1fs\n", cfg.Coincident.WindowSeconds)
	fmt.Printf("  Firedrill mode: %v\n", cfg.Coincident.FiredrillMode)
	fmt.Println()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)
	logger.LogStartup(version, commit, nil)

	fmt.Println("Initializing storage...")
	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	fmt.Printf("  Storage: %s initialized\n", cfg.Storage.Driver)

	fmt.Println("Connecting to bus...")
	redisBus, err := bus.NewRedisBus(ctx, cfg.Bus.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer redisBus.Close()
	fmt.Printf("  Bus connected: %s\n", cfg.Bus.RedisURL)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", ops.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Bind, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.LogFatal(fmt.Errorf("metrics server: %w", err))
			}
		}()
		fmt.Printf("  Metrics endpoint listening on %s/metrics\n", cfg.Metrics.Bind)
	}

	metrics := ops.NewMetrics(nil)
	hb := heartbeat.NewInMemory(time.Duration(cfg.Heartbeat.CacheExpirySeconds) * time.Second)
	estimator := falsealarm.NewDefaultEstimator()
	decider := alert.NewDecider(cfg.Server.Tag, estimator, hb)

	loop := consumer.New(cfg, redisBus, redisBus, store, decider, hb, logger, metrics)

	fmt.Println()
	fmt.Println("Consumer loop running. Press Ctrl+C to shut down gracefully...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println()
		fmt.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("consumer loop exited: %w", err)
	}

	if metricsServer != nil {
		_ = metricsServer.Close()
	}

	fmt.Println("Shutdown complete")
	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}
