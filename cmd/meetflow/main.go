// Command meetflow serves the conversation router: document chat and meeting
// transcription with minutes, behind an HTTP and websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/meetflow/internal/app"
	"github.com/MrWong99/meetflow/internal/config"
	"github.com/MrWong99/meetflow/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "meetflow: config file %q not found; start from configs/meetflow.example.yaml\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "meetflow: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("meetflow starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Observe.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	models := newLocalModels(cfg.Models, metrics)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, models)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, models.catalog.Device)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithLogLevel(&level),
		app.WithCloser(models.Close),
	}
	if models.used(cfg.Providers) {
		opts = append(opts, app.WithPreload(func(ctx context.Context) error {
			return models.Preload(ctx, cfg)
		}))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	slog.Info("goodbye")
	return code
}

func printStartupSummary(cfg *config.Config, device string) {
	fmt.Println("meetflow startup summary")
	printProvider("LLM", cfg.Providers.LLM, len(cfg.Providers.LLMFallbacks))
	printProvider("Transcriber", cfg.Providers.Transcriber, len(cfg.Providers.TranscriberFallbacks))
	printProvider("Aligner", cfg.Providers.Aligner, 0)
	printProvider("Diarizer", cfg.Providers.Diarizer, 0)
	printProvider("Embeddings", cfg.Providers.Embeddings, 0)
	fmt.Printf("  %-12s: %s\n", "Device", device)
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("  %-12s: %s\n", "Store", "postgres")
	} else {
		fmt.Printf("  %-12s: sqlite (%s)\n", "Store", cfg.Store.SQLitePath)
	}
	fmt.Printf("  %-12s: %s\n", "Listen addr", cfg.Server.ListenAddr)
}

func printProvider(kind string, e config.ProviderEntry, fallbacks int) {
	value := e.Name
	switch {
	case value == "":
		value = "(not configured)"
	case e.Model != "":
		value += " / " + e.Model
	}
	if fallbacks > 0 {
		value += fmt.Sprintf(" (+%d fallbacks)", fallbacks)
	}
	fmt.Printf("  %-12s: %s\n", kind, value)
}
