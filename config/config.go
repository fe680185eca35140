package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"knnsignal/ml"
)

// Config holds all application configuration.
type Config struct {
	Symbols  []string       `yaml:"symbols" validate:"required,min=1,dive,required"`
	Data     DataConfig     `yaml:"data"`
	Output   OutputConfig   `yaml:"output"`
	Database DatabaseConfig `yaml:"database"`
	Model    ModelConfig    `yaml:"model"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Watch    WatchConfig    `yaml:"watch"`
}

type DataConfig struct {
	IndicatorDir string `yaml:"indicator_dir" default:"data/indicators" validate:"required"`
	FileSuffix   string `yaml:"file_suffix" default:"_indicator.csv" validate:"required"`
	Encoding     string `yaml:"encoding" default:"utf-8" validate:"oneof=utf-8 utf8 gbk"`
	CacheSize    int    `yaml:"cache_size" default:"32" validate:"gte=1"`
}

type OutputConfig struct {
	PredictionsDir string `yaml:"predictions_dir" default:"output/predictions" validate:"required"`
	// VisualizationDir is optional; empty disables the plot series.
	VisualizationDir string `yaml:"visualization_dir"`
}

type DatabaseConfig struct {
	Path      string `yaml:"path" default:"data/knn_signal.db"`
	EnableWAL bool   `yaml:"enable_wal" default:"true"`
}

type ModelConfig struct {
	Lag              int     `yaml:"lag" default:"5" validate:"gte=1"`
	ThresholdPct     float64 `yaml:"threshold_pct" default:"2" validate:"gt=0"`
	BaselineK        int     `yaml:"baseline_k" default:"5" validate:"gte=1"`
	KMax             int     `yaml:"k_max" default:"50" validate:"gte=2"`
	Folds            int     `yaml:"folds" default:"10" validate:"gte=2"`
	TestRatio        float64 `yaml:"test_ratio" default:"0.2" validate:"gt=0,lt=1"`
	Seed             int64   `yaml:"seed" default:"42"`
	FitScalerOnTrain bool    `yaml:"fit_scaler_on_train"`
	Parallel         bool    `yaml:"parallel"`
	MaxWorkers       int     `yaml:"max_workers" validate:"gte=0"`
	ModelDir         string  `yaml:"model_dir"`
}

type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"console" validate:"oneof=json console"`
	Output     string `yaml:"output" default:"stdout" validate:"required"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100" validate:"gte=1"`
	MaxBackups int    `yaml:"max_backups" default:"5" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" default:"30" validate:"gte=0"`
}

type MetricsConfig struct {
	// Textfile is written after every run when set.
	Textfile string `yaml:"textfile"`
}

type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" default:"2s" validate:"gte=0"`
}

var validate = validator.New()

// Load reads config from a YAML file on top of struct defaults, then applies
// environment variable overrides, then the given overrides in order, and
// validates the result. A missing file is not an error.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KNN_SYMBOLS"); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Symbols = symbols
	}
	if v := os.Getenv("KNN_INDICATOR_DIR"); v != "" {
		cfg.Data.IndicatorDir = v
	}
	if v := os.Getenv("KNN_PREDICTIONS_DIR"); v != "" {
		cfg.Output.PredictionsDir = v
	}
	if v := os.Getenv("KNN_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("KNN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks the struct tags and reports every failing field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				messages = append(messages, fmt.Sprintf("%s failed %s", fe.Namespace(), tagMessage(fe)))
			}
			return fmt.Errorf("%w: %s", ml.ErrConfiguration, strings.Join(messages, "; "))
		}
		return fmt.Errorf("%w: %v", ml.ErrConfiguration, err)
	}
	return nil
}

func tagMessage(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// LabelConfig maps the model section onto the labeling rule.
func (c *Config) LabelConfig() ml.LabelConfig {
	return ml.LabelConfig{Lag: c.Model.Lag, ThresholdPct: c.Model.ThresholdPct}
}

// SelectorConfig maps the model section onto the selector settings.
func (c *Config) SelectorConfig() ml.SelectorConfig {
	search := ml.DefaultSearchConfig()
	search.KMax = c.Model.KMax
	search.Folds = c.Model.Folds
	search.Parallel = c.Model.Parallel
	search.MaxWorkers = c.Model.MaxWorkers
	return ml.SelectorConfig{
		TestRatio:        c.Model.TestRatio,
		Seed:             c.Model.Seed,
		BaselineK:        c.Model.BaselineK,
		Search:           search,
		FitScalerOnTrain: c.Model.FitScalerOnTrain,
	}
}
