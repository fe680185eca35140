package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"knnsignal/db"
	"knnsignal/market"
	"knnsignal/ml"
	"knnsignal/monitoring"
)

type fakeProvider struct {
	tables map[string][]market.Observation
	errs   map[string]error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) LoadTable(ctx context.Context, symbol string) (*market.Table, error) {
	if err := p.errs[symbol]; err != nil {
		return nil, err
	}
	observations, ok := p.tables[symbol]
	if !ok {
		return nil, fmt.Errorf("no table for %s", symbol)
	}
	return &market.Table{Symbol: symbol, Observations: observations}, nil
}

// separableSeries builds n rows whose lag-5 moves cycle through sell, hold
// and buy, with features that cluster tightly by label.
func separableSeries(symbol string, n int) []market.Observation {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := make([]float64, n)
	labels := make([]int, n)
	for i := range closes {
		if i < 5 {
			closes[i] = 100
			continue
		}
		labels[i] = i%3 - 1
		closes[i] = closes[i-5] * (1 + 0.05*float64(labels[i]))
	}

	width := len(market.FeatureColumns())
	observations := make([]market.Observation, n)
	for i := range observations {
		features := make([]float64, width)
		for j := range features {
			features[j] = float64(labels[i])*5 + float64(j) + 0.01*float64(i%11)
		}
		observations[i] = market.Observation{
			Symbol:   symbol,
			Date:     start.AddDate(0, 0, i),
			Close:    closes[i],
			Features: features,
		}
	}
	return observations
}

func testRunnerConfig(modelDir string) RunnerConfig {
	return RunnerConfig{
		Label: ml.DefaultLabelConfig(),
		Selector: ml.SelectorConfig{
			TestRatio: 0.2,
			Seed:      42,
			BaselineK: 5,
			Search:    ml.SearchConfig{KMin: 1, KMax: 8, Folds: 3},
		},
		ModelDir: modelDir,
	}
}

func TestSignalRunnerRunStock(t *testing.T) {
	root := t.TempDir()
	store, err := db.Open(filepath.Join(root, "signals.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	series := separableSeries("AAPL", 90)
	// A repeated date with different values; the first row must win.
	duplicate := series[10]
	duplicate.Close = 1
	series = append(series, duplicate)

	provider := &fakeProvider{tables: map[string][]market.Observation{"AAPL": series}}
	exporter := NewPredictionExporter(filepath.Join(root, "predictions"), filepath.Join(root, "viz"))
	recorder := monitoring.NewRecorder()
	runner := NewSignalRunner(testRunnerConfig(filepath.Join(root, "models")), provider, exporter, store, recorder, nil)

	result, err := runner.RunStock(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("RunStock failed: %v", err)
	}
	if result.RawRows != 91 || result.CleanRows != 90 || len(result.Issues) != 1 {
		t.Errorf("unexpected row counts: raw=%d clean=%d issues=%d", result.RawRows, result.CleanRows, len(result.Issues))
	}

	selection := result.Selection
	if selection.TrainSize+selection.TestSize != 90 || selection.TestSize != 18 {
		t.Errorf("unexpected split %d/%d", selection.TrainSize, selection.TestSize)
	}
	if selection.Baseline.K != 5 {
		t.Errorf("baseline k = %d, want 5", selection.Baseline.K)
	}
	if selection.Tuned.K < 1 || selection.Tuned.K >= 8 {
		t.Errorf("tuned k %d outside sweep range", selection.Tuned.K)
	}
	for _, e := range []*ml.Evaluation{selection.Baseline, selection.Tuned} {
		if e.Accuracy != 1 || math.Abs(e.F1-1) > 1e-12 {
			t.Errorf("%s accuracy=%v f1=%v, want 1/1 on separable data", e.Name, e.Accuracy, e.F1)
		}
	}

	for i := 1; i < len(result.Predictions); i++ {
		if !result.Predictions[i-1].Date.Before(result.Predictions[i].Date) {
			t.Fatalf("predictions not ascending at %d", i)
		}
	}
	for _, path := range []string{
		result.PredictionsPath,
		filepath.Join(root, "viz", "AAPL_kcurve.csv"),
		filepath.Join(root, "viz", "AAPL_scatter.csv"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected output %s: %v", path, err)
		}
	}

	model, err := ml.LoadModel("knn", result.ModelPath)
	if err != nil {
		t.Fatalf("load saved model: %v", err)
	}
	if _, _, err := model.Predict(make([]float64, len(market.FeatureColumns()))); err != nil {
		t.Errorf("saved model cannot predict: %v", err)
	}

	ctx := context.Background()
	logs, err := store.LoadTrainingLog(ctx, "AAPL")
	if err != nil {
		t.Fatalf("LoadTrainingLog failed: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected 2 training log entries, got %d", len(logs))
	}
	stored, err := store.LoadPredictions(ctx, "AAPL", ml.ModelKFold)
	if err != nil {
		t.Fatalf("LoadPredictions failed: %v", err)
	}
	if len(stored) != selection.TestSize {
		t.Errorf("stored %d predictions, want %d", len(stored), selection.TestSize)
	}
	curve, err := store.LoadKCurve(ctx, "AAPL")
	if err != nil {
		t.Fatalf("LoadKCurve failed: %v", err)
	}
	if len(curve) != 7 {
		t.Errorf("stored curve has %d points, want 7", len(curve))
	}

	stats := runner.Stats()
	if stats.TotalRuns != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestSignalRunnerIsolatesFailures(t *testing.T) {
	provider := &fakeProvider{
		tables: map[string][]market.Observation{
			"GOOD":  separableSeries("GOOD", 60),
			"TINY":  separableSeries("TINY", 8),
			"GOOD2": separableSeries("GOOD2", 75),
		},
		errs: map[string]error{
			"BROKEN": fmt.Errorf("parse BROKEN: %w", market.ErrMalformedTable),
		},
	}
	exporter := NewPredictionExporter(t.TempDir(), "")
	recorder := monitoring.NewRecorder()
	runner := NewSignalRunner(testRunnerConfig(""), provider, exporter, nil, recorder, nil)

	results, err := runner.Run(context.Background(), []string{"GOOD", "BROKEN", "TINY", "GOOD2"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 || results["GOOD"] == nil || results["GOOD2"] == nil {
		t.Fatalf("expected GOOD and GOOD2 to succeed, got %v", results)
	}

	stats := runner.Stats()
	if stats.TotalRuns != 4 || stats.Succeeded != 2 || stats.Failed != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Errors["data"] != 1 || stats.Errors["insufficient_data"] != 1 {
		t.Errorf("unexpected error kinds: %v", stats.Errors)
	}
}

func TestSignalRunnerCancelled(t *testing.T) {
	provider := &fakeProvider{tables: map[string][]market.Observation{"GOOD": separableSeries("GOOD", 60)}}
	runner := NewSignalRunner(testRunnerConfig(""), provider, NewPredictionExporter(t.TempDir(), ""), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, []string{"GOOD"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestSignalRunnerConstantFeature(t *testing.T) {
	series := separableSeries("FLAT", 60)
	for i := range series {
		series[i].Features[2] = 7
	}
	provider := &fakeProvider{tables: map[string][]market.Observation{"FLAT": series}}
	runner := NewSignalRunner(testRunnerConfig(""), provider, NewPredictionExporter(t.TempDir(), ""), nil, nil, nil)

	_, err := runner.RunStock(context.Background(), "FLAT")
	if !errors.Is(err, ml.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

// flakyStore fails the first SaveKCurve call and delegates everything else.
type flakyStore struct {
	*db.Store
	curveFailures int
}

func (s *flakyStore) SaveKCurve(ctx context.Context, symbol string, curve []ml.CandidateScore) error {
	if s.curveFailures > 0 {
		s.curveFailures--
		return errors.New("database is locked")
	}
	return s.Store.SaveKCurve(ctx, symbol, curve)
}

func TestSignalRunnerRetryDoesNotDuplicateTrainingLog(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "signals.db"), false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	flaky := &flakyStore{Store: store, curveFailures: 1}

	provider := &fakeProvider{tables: map[string][]market.Observation{"AAPL": separableSeries("AAPL", 60)}}
	config := testRunnerConfig("")
	config.RetryDelay = time.Millisecond
	runner := NewSignalRunner(config, provider, NewPredictionExporter(t.TempDir(), ""), flaky, nil, nil)

	if _, err := runner.RunStock(context.Background(), "AAPL"); err != nil {
		t.Fatalf("RunStock failed: %v", err)
	}
	if flaky.curveFailures != 0 {
		t.Fatal("k curve write was not retried")
	}

	ctx := context.Background()
	logs, err := store.LoadTrainingLog(ctx, "AAPL")
	if err != nil {
		t.Fatalf("LoadTrainingLog failed: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("one run wrote %d training log rows, want 2", len(logs))
	}
	curve, err := store.LoadKCurve(ctx, "AAPL")
	if err != nil {
		t.Fatalf("LoadKCurve failed: %v", err)
	}
	if len(curve) != 7 {
		t.Errorf("stored curve has %d points, want 7", len(curve))
	}
}
