package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"knnsignal/config"
	"knnsignal/db"
	"knnsignal/logger"
)

func TestSetupCloseReleasesStore(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "signals.db")
	cfg, err := config.Load(filepath.Join(root, "absent.yaml"), func(cfg *config.Config) {
		cfg.Symbols = []string{"AAPL"}
		cfg.Data.IndicatorDir = filepath.Join(root, "indicators")
		cfg.Output.PredictionsDir = filepath.Join(root, "predictions")
		cfg.Database.Path = dbPath
	})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	components, err := Setup(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if components.Store == nil || components.Runner == nil || components.Metrics == nil {
		t.Fatalf("incomplete components: %+v", components)
	}

	if err := components.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if components.Store != nil {
		t.Error("store still set after Close")
	}
	if err := components.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// The released database opens cleanly again.
	store, err := db.Open(dbPath, cfg.Database.EnableWAL)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if _, err := store.LoadTrainingLog(context.Background(), ""); err != nil {
		t.Errorf("LoadTrainingLog after reopen: %v", err)
	}
}
