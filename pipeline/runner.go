package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"knnsignal/db"
	"knnsignal/market"
	"knnsignal/ml"
	"knnsignal/monitoring"
)

// ResultStore 结果存储接口
type ResultStore interface {
	SavePredictions(ctx context.Context, symbol, model string, records []ml.PredictionRecord) error
	SaveTrainingLog(ctx context.Context, entry db.TrainingLog) error
	SaveKCurve(ctx context.Context, symbol string, curve []ml.CandidateScore) error
}

// RunnerConfig 运行配置
type RunnerConfig struct {
	Label    ml.LabelConfig
	Selector ml.SelectorConfig
	// ModelDir 非空时保存调优后的模型
	ModelDir   string
	MaxRetries int
	RetryDelay time.Duration
}

// StockResult 单只股票的运行结果
type StockResult struct {
	Symbol          string
	RawRows         int
	CleanRows       int
	Issues          []QualityIssue
	Selection       *ml.Selection
	Predictions     []ml.PredictionRecord
	PredictionsPath string
	ModelPath       string
	Duration        time.Duration
}

// RunnerStats 运行统计
type RunnerStats struct {
	TotalRuns int64            `json:"total_runs"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	Errors    map[string]int64 `json:"errors"`
	LastRun   time.Time        `json:"last_run"`
	LastError string           `json:"last_error,omitempty"`
}

// SignalRunner 串联加载、清洗、打标签、选模和导出
type SignalRunner struct {
	config   RunnerConfig
	provider market.TableProvider
	cleaner  *DataCleaner
	exporter *PredictionExporter
	store    ResultStore
	metrics  *monitoring.Recorder
	logger   *zap.Logger

	// 同一时间只允许一次运行
	runMu sync.Mutex

	stats     RunnerStats
	statsLock sync.RWMutex
}

// NewSignalRunner 创建运行器，store 与 metrics 可以为 nil
func NewSignalRunner(config RunnerConfig, provider market.TableProvider, exporter *PredictionExporter, store ResultStore, metrics *monitoring.Recorder, logger *zap.Logger) *SignalRunner {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalRunner{
		config:   config,
		provider: provider,
		cleaner:  NewDataCleaner(),
		exporter: exporter,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		stats: RunnerStats{
			Errors: make(map[string]int64),
		},
	}
}

// RunStock 对单只股票执行完整流程
func (r *SignalRunner) RunStock(ctx context.Context, symbol string) (*StockResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	result, err := r.runStock(ctx, symbol)
	r.record(symbol, err)
	return result, err
}

// Run 依次处理多只股票，单只失败不影响其余股票
func (r *SignalRunner) Run(ctx context.Context, symbols []string) (map[string]*StockResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	results := make(map[string]*StockResult, len(symbols))
	failed := 0
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("batch cancelled: %w", err)
		}
		result, err := r.runStock(ctx, symbol)
		r.record(symbol, err)
		if err != nil {
			failed++
			continue
		}
		results[symbol] = result
	}

	cleaning := r.cleaner.GetStats()
	r.logger.Info("batch finished",
		zap.Int("symbols", len(symbols)),
		zap.Int("succeeded", len(results)),
		zap.Int("failed", failed),
		zap.Int64("rows_rejected", cleaning.Rejected),
		zap.Any("rejections", cleaning.Issues),
		zap.Duration("duration", time.Since(start)))
	if r.metrics != nil {
		r.metrics.MarkBatchComplete(time.Now())
	}
	return results, nil
}

func (r *SignalRunner) runStock(ctx context.Context, symbol string) (*StockResult, error) {
	start := time.Now()
	log := r.logger.With(zap.String("symbol", symbol))

	// 1. 加载指标表
	table, err := r.provider.LoadTable(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", symbol, err)
	}
	r.observe("load", start)

	// 2. 清洗
	stageStart := time.Now()
	cleaned, issues := r.cleaner.Clean(table.Observations)
	r.observe("clean", stageStart)
	for _, issue := range issues {
		log.Debug("row rejected",
			zap.String("rule", issue.Type),
			zap.Time("date", issue.Date),
			zap.String("reason", issue.Message))
	}

	// 3. 打标签
	dataset, err := ml.BuildDataset(cleaned, r.config.Label)
	if err != nil {
		return nil, fmt.Errorf("build dataset %s: %w", symbol, err)
	}

	// 4. 选模与评估
	stageStart = time.Now()
	selection, err := ml.NewModelSelector(r.config.Selector, log).Run(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("select model %s: %w", symbol, err)
	}
	r.observe("select", stageStart)

	// 5. 导出
	tuned := selection.Tuned
	records, err := SortPredictions(tuned.Dates, tuned.Predicted)
	if err != nil {
		return nil, err
	}
	result := &StockResult{
		Symbol:      symbol,
		RawRows:     len(table.Observations) + table.Dropped,
		CleanRows:   len(cleaned),
		Issues:      issues,
		Selection:   selection,
		Predictions: records,
	}
	if result.PredictionsPath, err = r.exporter.WriteCSV(symbol, records); err != nil {
		return nil, fmt.Errorf("export %s: %w", symbol, err)
	}
	if err := r.exporter.WriteKCurve(symbol, tuned.Curve); err != nil {
		log.Warn("write k curve failed", zap.Error(err))
	}
	if err := r.exporter.WriteScatter(symbol, tuned.Dates, tuned.Actual, tuned.Predicted); err != nil {
		log.Warn("write scatter failed", zap.Error(err))
	}
	if r.config.ModelDir != "" {
		if result.ModelPath, err = r.saveModel(symbol, tuned.Model); err != nil {
			log.Warn("save model failed", zap.Error(err))
		}
	}
	if err := r.persist(ctx, symbol, selection, dataset.Len()); err != nil {
		return nil, fmt.Errorf("persist %s: %w", symbol, err)
	}

	result.Duration = time.Since(start)
	if r.metrics != nil {
		r.metrics.RecordRows(symbol, "raw", result.RawRows)
		r.metrics.RecordRows(symbol, "clean", result.CleanRows)
		r.metrics.RecordRows(symbol, "train", selection.TrainSize)
		r.metrics.RecordRows(symbol, "test", selection.TestSize)
		for _, e := range []*ml.Evaluation{selection.Baseline, tuned} {
			r.metrics.RecordModel(symbol, e.Name, e.K, e.Accuracy, e.F1)
		}
		r.metrics.RecordCVScore(symbol, tuned.CVScore)
	}

	log.Info("stock processed",
		zap.Int("rows", result.CleanRows),
		zap.Int("train", selection.TrainSize),
		zap.Int("test", selection.TestSize),
		zap.Float64("baseline_accuracy", selection.Baseline.Accuracy),
		zap.Float64("baseline_f1", selection.Baseline.F1),
		zap.Int("best_k", tuned.K),
		zap.Float64("cv_score", tuned.CVScore),
		zap.Float64("kfold_accuracy", tuned.Accuracy),
		zap.Float64("kfold_f1", tuned.F1),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// persist 写入 sqlite；每次写入单独重试，已成功的写入不会重复执行
func (r *SignalRunner) persist(ctx context.Context, symbol string, selection *ml.Selection, dataPoints int) error {
	if r.store == nil {
		return nil
	}
	now := time.Now().UTC()
	for _, e := range []*ml.Evaluation{selection.Baseline, selection.Tuned} {
		records, err := SortPredictions(e.Dates, e.Predicted)
		if err != nil {
			return err
		}
		if err := r.withRetry(ctx, func() error {
			return r.store.SavePredictions(ctx, symbol, e.Name, records)
		}); err != nil {
			return fmt.Errorf("save %s predictions: %w", e.Name, err)
		}
		entry := db.TrainingLog{
			Symbol:     symbol,
			ModelName:  e.Name,
			K:          e.K,
			Accuracy:   e.Accuracy,
			F1:         e.F1,
			CVScore:    e.CVScore,
			TrainedAt:  now,
			DataPoints: dataPoints,
		}
		if err := r.withRetry(ctx, func() error {
			return r.store.SaveTrainingLog(ctx, entry)
		}); err != nil {
			return fmt.Errorf("save %s training log: %w", e.Name, err)
		}
	}
	if err := r.withRetry(ctx, func() error {
		return r.store.SaveKCurve(ctx, symbol, selection.Tuned.Curve)
	}); err != nil {
		return fmt.Errorf("save k curve: %w", err)
	}
	return nil
}

func (r *SignalRunner) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for retry := 0; retry < r.config.MaxRetries; retry++ {
		if err = fn(); err == nil {
			return nil
		}
		if retry == r.config.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(retry+1) * r.config.RetryDelay):
		}
	}
	return err
}

func (r *SignalRunner) saveModel(symbol string, model *ml.KNNClassifier) (string, error) {
	if err := os.MkdirAll(r.config.ModelDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.config.ModelDir, symbol+"_knn.json")
	if err := model.Save(path); err != nil {
		return "", err
	}
	return path, nil
}

func (r *SignalRunner) observe(stage string, since time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveStage(stage, time.Since(since))
	}
}

// record 更新统计与指标
func (r *SignalRunner) record(symbol string, err error) {
	r.statsLock.Lock()
	r.stats.TotalRuns++
	r.stats.LastRun = time.Now()
	if err != nil {
		r.stats.Failed++
		r.stats.Errors[ml.ErrorKind(err)]++
		r.stats.LastError = err.Error()
	} else {
		r.stats.Succeeded++
	}
	r.statsLock.Unlock()

	if err != nil {
		r.logger.Error("stock failed",
			zap.String("symbol", symbol),
			zap.String("kind", ml.ErrorKind(err)),
			zap.Error(err))
	}
	if r.metrics != nil {
		r.metrics.RecordRun(err == nil)
		if err != nil {
			r.metrics.RecordError(ml.ErrorKind(err))
		}
	}
}

// Stats 获取统计信息
func (r *SignalRunner) Stats() RunnerStats {
	r.statsLock.RLock()
	defer r.statsLock.RUnlock()

	stats := r.stats
	stats.Errors = make(map[string]int64, len(r.stats.Errors))
	for k, v := range r.stats.Errors {
		stats.Errors[k] = v
	}
	return stats
}
