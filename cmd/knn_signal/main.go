package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"knnsignal/config"
	"knnsignal/logger"
	"knnsignal/ml"
	"knnsignal/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (optional)")
	symbol := flag.String("symbol", "", "stock symbol")
	indicatorDir := flag.String("indicator_dir", "", "override data.indicator_dir")
	predictionsDir := flag.String("predictions_dir", "", "override output.predictions_dir")
	vizDir := flag.String("viz_dir", "", "write k curve and scatter series here")
	kMax := flag.Int("k_max", 0, "override model.k_max")
	folds := flag.Int("folds", 0, "override model.folds")
	parallel := flag.Bool("parallel", false, "score k candidates concurrently")
	fitOnTrain := flag.Bool("fit_scaler_on_train", false, "fit min/max on the training split only")
	flag.Parse()

	if *symbol == "" {
		log.Fatal("symbol is required")
	}
	cfg, err := config.Load(*configPath, func(cfg *config.Config) {
		cfg.Symbols = []string{*symbol}
		if *indicatorDir != "" {
			cfg.Data.IndicatorDir = *indicatorDir
		}
		if *predictionsDir != "" {
			cfg.Output.PredictionsDir = *predictionsDir
		}
		if *vizDir != "" {
			cfg.Output.VisualizationDir = *vizDir
		}
		if *kMax > 0 {
			cfg.Model.KMax = *kMax
		}
		if *folds > 0 {
			cfg.Model.Folds = *folds
		}
		cfg.Model.Parallel = cfg.Model.Parallel || *parallel
		cfg.Model.FitScalerOnTrain = cfg.Model.FitScalerOnTrain || *fitOnTrain
	})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer zl.Sync()

	components, err := pipeline.Setup(cfg, zl)
	if err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := components.Runner.RunStock(ctx, *symbol)
	if err != nil {
		components.Close()
		log.Fatalf("%s failed (%s): %v", *symbol, ml.ErrorKind(err), err)
	}
	if err := components.Metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Printf("metrics export failed: %v", err)
	}

	s := result.Selection
	fmt.Printf("%s: %d rows (%d raw), train=%d test=%d\n", *symbol, result.CleanRows, result.RawRows, s.TrainSize, s.TestSize)
	fmt.Printf("%-14s %4s %9s %9s %9s\n", "model", "k", "accuracy", "f1", "cv")
	for _, e := range []*ml.Evaluation{s.Baseline, s.Tuned} {
		fmt.Printf("%-14s %4d %9.4f %9.4f %9.4f\n", e.Name, e.K, e.Accuracy, e.F1, e.CVScore)
	}
	fmt.Printf("predictions written to %s\n", result.PredictionsPath)
}
