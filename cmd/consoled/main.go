// consoled is the acuray X-ray console daemon.
//
// It maintains the persistent command channel to the exposure-control
// server, pools associations to the configured PACS and worklist
// nodes, and persists the exposure journal across restarts.
//
// Usage:
//
//	consoled [flags]
//	consoled ctl <method> [args]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.acuray/config.toml")
//	-name string
//	    Console name (overrides config)
//	-data-dir string
//	    Data directory (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/acuray/console/lib/core"
	"github.com/acuray/console/lib/metrics"
	"github.com/acuray/console/lib/rpc"
	"github.com/acuray/console/lib/transport"
	"github.com/acuray/console/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Determine default config path
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".acuray", "config.toml")

	// Parse command-line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	consoleName := flag.String("name", "", "Console name (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "consoled - acuray X-ray console daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  consoled [flags]            Start the daemon\n")
		fmt.Fprintf(os.Stderr, "  consoled ctl <method>       Query a running daemon\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("consoled version %s\n", version.Full())
		return 0
	}

	// Check for ctl subcommand
	args := flag.Args()
	if len(args) > 0 && args[0] == "ctl" {
		ctlDataDir := *dataDir
		if ctlDataDir == "" {
			ctlDataDir = filepath.Join(homeDir, ".acuray")
		}
		return handleCtl(args[1:], ctlDataDir)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration file, then apply CLI overrides
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *consoleName != "" {
		cfg.Console.Name = *consoleName
	}
	if *dataDir != "" {
		cfg.Console.DataDir = *dataDir
	}

	console, err := core.NewConsole(cfg, &transport.ChannelFactory{}, &transport.Dialer{}, logger)
	if err != nil {
		logger.Error("failed to create console", "error", err)
		return 1
	}

	// Create a context that is cancelled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := console.Start(ctx); err != nil {
		logger.Error("failed to start console", "error", err)
		return 1
	}

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "address", cfg.Metrics.Listen)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	// Control socket
	var ctlServer *rpc.Server
	if cfg.Control.Enabled {
		ctlServer = rpc.NewServer(rpc.ServerConfig{})
		ctlServer.RegisterHandlers(rpc.NewHandlers(console, version.Version).Map())
		if err := ctlServer.Start(ctx, cfg.ControlSocketPath()); err != nil {
			logger.Warn("control socket unavailable", "error", err)
			ctlServer = nil
		}
	}

	// Hot-reload on config file changes
	watcher, err := core.NewConfigWatcher(*configPath, logger, func(next *core.Config) {
		if err := console.Reload(ctx, next); err != nil {
			logger.Error("config reload failed", "error", err)
		}
	})
	if err != nil {
		logger.Warn("config watching unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	logger.Info("consoled started", "name", cfg.Console.Name, "version", version.Version)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	// Create a new context for shutdown with reasonable timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if ctlServer != nil {
		if err := ctlServer.Stop(); err != nil {
			logger.Warn("control socket shutdown error", "error", err)
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}
	if err := console.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("consoled stopped")
	return 0
}
