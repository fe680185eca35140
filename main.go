package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"knnsignal/config"
	"knnsignal/logger"
	"knnsignal/pipeline"
	"knnsignal/scheduler"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup runs before exit.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run the batch once and exit")
	flag.Parse()
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		*configPath = v
	}

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	// 2. Init logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Printf("Failed to init logger: %v", err)
		return 1
	}
	defer zl.Sync()

	// 3. Wire pipeline
	components, err := pipeline.Setup(cfg, zl)
	if err != nil {
		zl.Error("setup failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := components.Close(); err != nil {
			zl.Warn("close components", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runBatch := func(ctx context.Context) {
		if _, err := components.Runner.Run(ctx, cfg.Symbols); err != nil {
			zl.Warn("batch interrupted", zap.Error(err))
		}
		writeMetrics(components, cfg, zl)
	}

	// 4. Initial batch
	runBatch(ctx)
	if *once || (cfg.Schedule.Cron == "" && !cfg.Watch.Enabled) {
		stats := components.Runner.Stats()
		zl.Info("exiting", zap.Int64("succeeded", stats.Succeeded), zap.Int64("failed", stats.Failed))
		if stats.Failed > 0 && stats.Succeeded == 0 {
			return 1
		}
		return 0
	}

	// 5. Scheduled batches
	if cfg.Schedule.Cron != "" {
		sched := scheduler.NewScheduler(ctx, zl)
		if err := sched.Register("batch", cfg.Schedule.Cron, runBatch); err != nil {
			zl.Error("register cron task", zap.Error(err))
			return 1
		}
		sched.Start()
		defer sched.Stop()
	}

	// 6. Re-run stocks whose indicator files change
	var wg sync.WaitGroup
	if cfg.Watch.Enabled {
		watcher := pipeline.NewIndicatorWatcher(components.Provider, cfg.Symbols, cfg.Watch.Debounce,
			func(ctx context.Context, symbol string) {
				components.Runner.RunStock(ctx, symbol)
				writeMetrics(components, cfg, zl)
			}, zl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				zl.Error("watcher stopped", zap.Error(err))
			}
		}()
	}

	zl.Info("knn signal service running",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("cron", cfg.Schedule.Cron),
		zap.Bool("watch", cfg.Watch.Enabled))

	// 7. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down")
	cancel()
	wg.Wait()
	return 0
}

func writeMetrics(components *pipeline.Components, cfg *config.Config, zl *zap.Logger) {
	if err := components.Metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		zl.Warn("metrics export failed", zap.Error(err))
	}
}
