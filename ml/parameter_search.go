package ml

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// SearchConfig describes the neighbor-count sweep.
type SearchConfig struct {
	KMin       int  `yaml:"k_min"`       // first k, inclusive
	KMax       int  `yaml:"k_max"`       // last k, exclusive
	Folds      int  `yaml:"folds"`       // stratified cross-validation folds
	Parallel   bool `yaml:"parallel"`    // score candidates concurrently
	MaxWorkers int  `yaml:"max_workers"` // worker cap when Parallel is set
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{KMin: 1, KMax: 50, Folds: 10}
}

// CandidateScore is the cross-validation outcome for one k.
type CandidateScore struct {
	K          int       `json:"k"`
	Score      float64   `json:"score"`
	FoldScores []float64 `json:"fold_scores"`
}

// SearchResult holds the winning k and the full score curve in ascending k.
type SearchResult struct {
	BestK     int              `json:"best_k"`
	BestScore float64          `json:"best_score"`
	Curve     []CandidateScore `json:"curve"`
	Duration  time.Duration    `json:"duration"`
}

// ParameterSearch sweeps k over a training set with stratified k-fold
// cross validation.
type ParameterSearch struct {
	mu        sync.RWMutex
	config    SearchConfig
	logger    *zap.Logger
	started   bool
	completed bool
}

func NewParameterSearch(config SearchConfig, logger *zap.Logger) *ParameterSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParameterSearch{config: config, logger: logger}
}

func (c SearchConfig) Validate() error {
	if c.KMax <= 1 {
		return fmt.Errorf("%w: k_max must be greater than 1, got %d", ErrConfiguration, c.KMax)
	}
	if c.KMin < 1 || c.KMin >= c.KMax {
		return fmt.Errorf("%w: k range [%d, %d) is empty", ErrConfiguration, c.KMin, c.KMax)
	}
	if c.Folds < 2 {
		return fmt.Errorf("%w: need at least 2 folds, got %d", ErrConfiguration, c.Folds)
	}
	return nil
}

// Optimize scores every candidate k and picks the best one.
func (p *ParameterSearch) Optimize(ctx context.Context, features [][]float64, labels []int) (*SearchResult, error) {
	if err := p.config.Validate(); err != nil {
		return nil, err
	}
	if len(features) != len(labels) {
		return nil, errors.New("features and labels size mismatch")
	}

	p.mu.Lock()
	if p.started && !p.completed {
		p.mu.Unlock()
		return nil, errors.New("parameter search is already running")
	}
	p.started = true
	p.completed = false
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.completed = true
		p.mu.Unlock()
	}()

	folds, err := StratifiedKFold(labels, p.config.Folds)
	if err != nil {
		return nil, err
	}
	minTrain := len(labels)
	for _, fold := range folds {
		if n := len(labels) - len(fold); n < minTrain {
			minTrain = n
		}
	}
	if largest := p.config.KMax - 1; largest > minTrain {
		return nil, fmt.Errorf("%w: k=%d needs %d training rows per fold, have %d", ErrInsufficientData, largest, largest, minTrain)
	}

	startTime := time.Now()
	candidates := make([]int, 0, p.config.KMax-p.config.KMin)
	for k := p.config.KMin; k < p.config.KMax; k++ {
		candidates = append(candidates, k)
	}
	p.logger.Debug("starting k sweep",
		zap.Int("candidates", len(candidates)),
		zap.Int("folds", p.config.Folds),
		zap.Bool("parallel", p.config.Parallel))

	var curve []CandidateScore
	if p.config.Parallel {
		curve, err = p.scoreParallel(ctx, features, labels, folds, candidates)
	} else {
		curve, err = p.scoreSequential(ctx, features, labels, folds, candidates)
	}
	if err != nil {
		return nil, err
	}

	bestK, bestScore := SelectBest(curve)
	result := &SearchResult{
		BestK:     bestK,
		BestScore: bestScore,
		Curve:     curve,
		Duration:  time.Since(startTime),
	}
	p.logger.Debug("k sweep completed",
		zap.Int("best_k", bestK),
		zap.Float64("best_score", bestScore),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (p *ParameterSearch) scoreSequential(ctx context.Context, features [][]float64, labels []int, folds [][]int, candidates []int) ([]CandidateScore, error) {
	curve := make([]CandidateScore, 0, len(candidates))
	for _, k := range candidates {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("parameter search cancelled: %w", ctx.Err())
		default:
		}
		score, err := CrossValScore(features, labels, folds, k)
		if err != nil {
			return nil, err
		}
		curve = append(curve, score)
		p.logScored(score)
	}
	return curve, nil
}

// scoreParallel fills the curve by candidate index so the reduction in
// SelectBest sees the same order as a sequential run.
func (p *ParameterSearch) scoreParallel(ctx context.Context, features [][]float64, labels []int, folds [][]int, candidates []int) ([]CandidateScore, error) {
	workers := p.config.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	curve := make([]CandidateScore, len(candidates))
	errs := make([]error, len(candidates))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				curve[i], errs[i] = CrossValScore(features, labels, folds, candidates[i])
				if errs[i] == nil {
					p.logScored(curve[i])
				}
			}
		}()
	}

	var ctxErr error
dispatch:
	for i := range candidates {
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break dispatch
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if ctxErr != nil {
		return nil, fmt.Errorf("parameter search cancelled: %w", ctxErr)
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return curve, nil
}

// CrossValScore trains a k-neighbor model on each fold's complement and
// returns the mean validation accuracy.
func CrossValScore(features [][]float64, labels []int, folds [][]int, k int) (CandidateScore, error) {
	foldScores := make([]float64, len(folds))
	for f, validation := range folds {
		training := complement(len(labels), validation)
		trainX := make([][]float64, len(training))
		trainY := make([]int, len(training))
		for i, idx := range training {
			trainX[i] = features[idx]
			trainY[i] = labels[idx]
		}

		model := NewKNNClassifier(k)
		if err := model.Train(trainX, trainY); err != nil {
			return CandidateScore{}, fmt.Errorf("k=%d fold %d: %w", k, f, err)
		}
		actual := make([]int, len(validation))
		predicted := make([]int, len(validation))
		for i, idx := range validation {
			label, _, err := model.Predict(features[idx])
			if err != nil {
				return CandidateScore{}, fmt.Errorf("k=%d fold %d: %w", k, f, err)
			}
			actual[i] = labels[idx]
			predicted[i] = label
		}
		accuracy, err := Accuracy(actual, predicted)
		if err != nil {
			return CandidateScore{}, fmt.Errorf("k=%d fold %d: %w", k, f, err)
		}
		foldScores[f] = accuracy
	}
	return CandidateScore{K: k, Score: stat.Mean(foldScores, nil), FoldScores: foldScores}, nil
}

// SelectBest folds over the curve in order and keeps a candidate only when
// it scores strictly higher, so the earliest k wins ties.
func SelectBest(curve []CandidateScore) (int, float64) {
	if len(curve) == 0 {
		return 0, 0
	}
	bestK, bestScore := curve[0].K, curve[0].Score
	for _, candidate := range curve[1:] {
		if isBetterResult(candidate.Score, bestScore) {
			bestK = candidate.K
			bestScore = candidate.Score
		}
	}
	return bestK, bestScore
}

func isBetterResult(newScore, currentScore float64) bool {
	return newScore > currentScore
}

func (p *ParameterSearch) logScored(score CandidateScore) {
	p.logger.Debug("k scored", zap.Int("k", score.K), zap.Float64("score", score.Score))
}
