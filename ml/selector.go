package ml

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	ModelBaseline = "knn_baseline"
	ModelKFold    = "knn_kfold"
)

// SelectorConfig drives the split, the baseline model and the k sweep.
type SelectorConfig struct {
	TestRatio float64
	Seed      int64
	BaselineK int
	Search    SearchConfig
	// FitScalerOnTrain computes min/max on training rows only. When false
	// the whole dataset is scaled before splitting.
	FitScalerOnTrain bool
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		TestRatio: 0.2,
		Seed:      42,
		BaselineK: 5,
		Search:    DefaultSearchConfig(),
	}
}

// PredictionRecord is one dated prediction on the held-out split.
type PredictionRecord struct {
	Date       time.Time `json:"date"`
	Prediction int       `json:"prediction"`
}

// Evaluation is a fitted model and its held-out results.
type Evaluation struct {
	Name      string
	K         int
	Accuracy  float64
	F1        float64
	CVScore   float64
	Model     *KNNClassifier
	Curve     []CandidateScore
	Dates     []time.Time
	Actual    []int
	Predicted []int
}

// Predictions pairs test dates with predictions in split order.
func (e *Evaluation) Predictions() []PredictionRecord {
	records := make([]PredictionRecord, len(e.Dates))
	for i := range e.Dates {
		records[i] = PredictionRecord{Date: e.Dates[i], Prediction: e.Predicted[i]}
	}
	return records
}

// Selection is the side-by-side outcome of the baseline and tuned models.
type Selection struct {
	Baseline  *Evaluation
	Tuned     *Evaluation
	TrainSize int
	TestSize  int
}

type ModelSelector struct {
	config SelectorConfig
	logger *zap.Logger
}

func NewModelSelector(config SelectorConfig, logger *zap.Logger) *ModelSelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelSelector{config: config, logger: logger}
}

// Prepare normalizes and splits a dataset. Both splits keep their dates.
func (s *ModelSelector) Prepare(dataset *Dataset) (*Dataset, *Dataset, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, nil, fmt.Errorf("%w: empty dataset", ErrData)
	}

	source := dataset
	if !s.config.FitScalerOnTrain {
		normalized, err := NewDataPreprocessor(dataset.Columns).FitTransform(dataset.X)
		if err != nil {
			return nil, nil, fmt.Errorf("normalize: %w", err)
		}
		source = &Dataset{Columns: dataset.Columns, Dates: dataset.Dates, X: normalized, Y: dataset.Y}
	}

	trainIdx, testIdx, err := StratifiedSplit(source.Y, s.config.TestRatio, s.config.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}
	train := source.Subset(trainIdx)
	test := source.Subset(testIdx)

	if s.config.FitScalerOnTrain {
		preprocessor := NewDataPreprocessor(dataset.Columns)
		if train.X, err = preprocessor.FitTransform(train.X); err != nil {
			return nil, nil, fmt.Errorf("normalize train: %w", err)
		}
		if test.X, err = preprocessor.Normalize(test.X); err != nil {
			return nil, nil, fmt.Errorf("normalize test: %w", err)
		}
	}
	return train, test, nil
}

// Run evaluates the fixed-k baseline and the cross-validated model on the
// same split.
func (s *ModelSelector) Run(ctx context.Context, dataset *Dataset) (*Selection, error) {
	train, test, err := s.Prepare(dataset)
	if err != nil {
		return nil, err
	}

	baseline, err := s.Baseline(train, test)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	tuned, err := s.Tune(ctx, train, test)
	if err != nil {
		return nil, fmt.Errorf("k-fold: %w", err)
	}
	return &Selection{
		Baseline:  baseline,
		Tuned:     tuned,
		TrainSize: train.Len(),
		TestSize:  test.Len(),
	}, nil
}

// Baseline fits a single k without cross validation.
func (s *ModelSelector) Baseline(train, test *Dataset) (*Evaluation, error) {
	k := s.config.BaselineK
	if k <= 0 {
		k = 5
	}
	return s.fitAndEvaluate(ModelBaseline, k, train, test)
}

// Tune sweeps k on the training split, refits the winner and scores it on
// the test split.
func (s *ModelSelector) Tune(ctx context.Context, train, test *Dataset) (*Evaluation, error) {
	search := NewParameterSearch(s.config.Search, s.logger)
	result, err := search.Optimize(ctx, train.X, train.Y)
	if err != nil {
		return nil, err
	}
	evaluation, err := s.fitAndEvaluate(ModelKFold, result.BestK, train, test)
	if err != nil {
		return nil, err
	}
	evaluation.CVScore = result.BestScore
	evaluation.Curve = result.Curve
	return evaluation, nil
}

func (s *ModelSelector) fitAndEvaluate(name string, k int, train, test *Dataset) (*Evaluation, error) {
	model := NewKNNClassifier(k)
	if err := model.Train(train.X, train.Y); err != nil {
		return nil, err
	}
	predicted, err := model.PredictBatch(test.X)
	if err != nil {
		return nil, err
	}
	accuracy, err := Accuracy(test.Y, predicted)
	if err != nil {
		return nil, err
	}
	f1, err := WeightedF1(test.Y, predicted)
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		Name:      name,
		K:         k,
		Accuracy:  accuracy,
		F1:        f1,
		Model:     model,
		Dates:     test.Dates,
		Actual:    test.Y,
		Predicted: predicted,
	}, nil
}
