// swarmd hosts a swarm of autonomous agents: scheduled cognitive loops
// coordinating over a prioritized message bus, with composite-task
// decomposition and health-driven cadence adaptation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meshwork-ai/swarmd/internal/config"
	otelPkg "github.com/meshwork-ai/swarmd/internal/otel"
	"github.com/meshwork-ai/swarmd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownGrace = 10 * time.Second

func main() {
	home := flag.String("home", "", "data directory (default: $SWARMD_HOME or ~/.swarmd)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("swarmd", Version)
		return
	}

	homeDir := resolveHome(*home)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "agents", len(cfg.Agents), "version", Version)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		_ = provider.Shutdown(shutdownCtx)
	}()

	app, err := newApp(cfg, logger, provider)
	if err != nil {
		fatalStartup(logger, "E_WIRING", err)
	}

	if err := app.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for range watcher.Events() {
			// Loop topology is fixed for the process lifetime; a reload
			// hot-applies log level and health thresholds, and a bad edit
			// surfaces immediately without touching the running config.
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config changed but invalid, keeping running config", "error", err)
				continue
			}
			logLevel.Set(telemetry.ParseLevel(newCfg.LogLevel))
			app.ApplyReload(newCfg)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	app.Stop()
}

func resolveHome(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SWARMD_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmd"
	}
	return filepath.Join(home, ".swarmd")
}

// fatalStartup reports a startup failure on stderr (and the logger when one
// exists) and exits non-zero.
func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "swarmd: %s: %v\n", code, err)
	os.Exit(1)
}
