package ml

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestSelectBestEarliestKWinsTies(t *testing.T) {
	curve := []CandidateScore{
		{K: 1, Score: 0.70},
		{K: 2, Score: 0.72},
		{K: 3, Score: 0.80},
		{K: 4, Score: 0.75},
		{K: 5, Score: 0.79},
		{K: 6, Score: 0.78},
		{K: 7, Score: 0.80},
		{K: 8, Score: 0.60},
	}
	k, score := SelectBest(curve)
	if k != 3 || score != 0.80 {
		t.Fatalf("expected k=3 score=0.80, got k=%d score=%f", k, score)
	}
}

func TestSelectBestAllEqual(t *testing.T) {
	curve := []CandidateScore{{K: 1, Score: 0}, {K: 2, Score: 0}}
	if k, _ := SelectBest(curve); k != 1 {
		t.Fatalf("expected k=1, got %d", k)
	}
}

func TestParameterSearchDeterministic(t *testing.T) {
	dataset := clusteredDataset(25, 7)
	normalized, err := NewDataPreprocessor(dataset.Columns).FitTransform(dataset.X)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config := SearchConfig{KMin: 1, KMax: 12, Folds: 10}

	first, err := NewParameterSearch(config, nil).Optimize(context.Background(), normalized, dataset.Y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewParameterSearch(config, nil).Optimize(context.Background(), normalized, dataset.Y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.BestK != second.BestK || !reflect.DeepEqual(first.Curve, second.Curve) {
		t.Fatal("identical inputs produced different sweeps")
	}
	if len(first.Curve) != 11 {
		t.Fatalf("expected 11 candidates, got %d", len(first.Curve))
	}
	for i, candidate := range first.Curve {
		if candidate.K != i+1 {
			t.Fatalf("curve out of order at %d: k=%d", i, candidate.K)
		}
		if len(candidate.FoldScores) != 10 {
			t.Fatalf("k=%d: expected 10 fold scores, got %d", candidate.K, len(candidate.FoldScores))
		}
	}
	if first.BestScore < 0.9 {
		t.Fatalf("expected separable clusters to score highly, got %f", first.BestScore)
	}

	parallelConfig := config
	parallelConfig.Parallel = true
	parallelConfig.MaxWorkers = 4
	parallel, err := NewParameterSearch(parallelConfig, nil).Optimize(context.Background(), normalized, dataset.Y)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parallel.BestK != first.BestK || !reflect.DeepEqual(parallel.Curve, first.Curve) {
		t.Fatal("parallel sweep differs from sequential sweep")
	}
}

func TestParameterSearchErrors(t *testing.T) {
	dataset := clusteredDataset(12, 3)

	_, err := NewParameterSearch(SearchConfig{KMin: 1, KMax: 1, Folds: 10}, nil).
		Optimize(context.Background(), dataset.X, dataset.Y)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	labels := append([]int(nil), dataset.Y...)
	labels[0], labels[3] = LabelBuy, LabelBuy
	_, err = NewParameterSearch(SearchConfig{KMin: 1, KMax: 5, Folds: 11}, nil).
		Optimize(context.Background(), dataset.X, labels)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestParameterSearchCancelled(t *testing.T) {
	dataset := clusteredDataset(20, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewParameterSearch(SearchConfig{KMin: 1, KMax: 5, Folds: 10}, nil).
		Optimize(ctx, dataset.X, dataset.Y)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
