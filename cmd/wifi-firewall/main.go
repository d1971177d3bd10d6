package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	watch      = flag.Bool("watch", true, "Reload the configuration file when it changes")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	flag.Parse()

	// Parse configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("Wi-Fi firewall starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}

	if *watch {
		watcher, err := config.NewWatcher(*configPath, logger.Logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			watcher.OnChange(a.applyConfig)
			go func() {
				if err := watcher.Start(ctx); err != nil {
					logger.Error("Config watcher stopped", "error", err)
				}
			}()
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.run(ctx)
	}()

	logger.Info("Wi-Fi firewall is running",
		"dns", cfg.Server.ListenAddress,
		"api", cfg.API.ListenAddress,
		"upstreams", cfg.Upstream.Servers,
		"mode", cfg.Rules.Mode,
	)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", "error", err)
			exitCode = 1
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := a.shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
	}
	logger.Info("Wi-Fi firewall stopped")

	if exitCode != 0 {
		shutdownCancel()
		os.Exit(exitCode)
	}
}
