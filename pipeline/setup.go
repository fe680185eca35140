package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"knnsignal/config"
	"knnsignal/db"
	"knnsignal/market"
	"knnsignal/monitoring"
)

// Components 由配置装配出的运行组件
type Components struct {
	Runner   *SignalRunner
	Provider *market.CSVTableProvider
	Store    *db.Store
	Metrics  *monitoring.Recorder
}

// Setup 按配置创建数据源、存储、指标和运行器
func Setup(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	provider, err := market.NewCSVTableProvider(cfg.Data.IndicatorDir, cfg.Data.FileSuffix, cfg.Data.Encoding, cfg.Data.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("init table provider: %w", err)
	}

	c := &Components{
		Provider: provider,
		Metrics:  monitoring.NewRecorder(),
	}

	var store ResultStore
	if cfg.Database.Path != "" {
		if c.Store, err = db.Open(cfg.Database.Path, cfg.Database.EnableWAL); err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		store = c.Store
		logger.Info("database initialized", zap.String("path", cfg.Database.Path))
	}

	exporter := NewPredictionExporter(cfg.Output.PredictionsDir, cfg.Output.VisualizationDir)
	c.Runner = NewSignalRunner(RunnerConfig{
		Label:    cfg.LabelConfig(),
		Selector: cfg.SelectorConfig(),
		ModelDir: cfg.Model.ModelDir,
	}, provider, exporter, store, c.Metrics, logger)
	return c, nil
}

// Close 关闭存储，可重复调用
func (c *Components) Close() error {
	var errs []error
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
		c.Store = nil
	}
	return errors.Join(errs...)
}
