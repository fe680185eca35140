package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder 运行指标记录器，使用独立的 registry
type Recorder struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	accuracy    *prometheus.GaugeVec
	f1          *prometheus.GaugeVec
	cvScore     *prometheus.GaugeVec
	selectedK   *prometheus.GaugeVec
	rows        *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	lastRun     prometheus.Gauge
}

// NewRecorder 创建指标记录器
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knn_signal_runs_total",
				Help: "Per-stock pipeline runs by outcome",
			},
			[]string{"status"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "knn_signal_errors_total",
				Help: "Per-stock failures by error kind",
			},
			[]string{"kind"},
		),
		accuracy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knn_signal_accuracy",
				Help: "Held-out accuracy of the latest run",
			},
			[]string{"symbol", "model"},
		),
		f1: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knn_signal_f1_weighted",
				Help: "Held-out weighted F1 of the latest run",
			},
			[]string{"symbol", "model"},
		),
		cvScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knn_signal_cv_score",
				Help: "Mean cross-validation accuracy of the selected k",
			},
			[]string{"symbol"},
		),
		selectedK: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knn_signal_selected_k",
				Help: "Neighbor count used by each model",
			},
			[]string{"symbol", "model"},
		),
		rows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "knn_signal_rows",
				Help: "Row counts per pipeline stage",
			},
			[]string{"symbol", "stage"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "knn_signal_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "knn_signal_last_run_timestamp_seconds",
				Help: "Unix time of the last completed batch",
			},
		),
	}
}

// Registry 返回底层 registry，供导出使用
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordRun 记录一次单股票运行结果
func (r *Recorder) RecordRun(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	r.runsTotal.WithLabelValues(status).Inc()
}

// RecordError 记录错误类型
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordModel 记录模型评估结果
func (r *Recorder) RecordModel(symbol, model string, k int, accuracy, f1 float64) {
	r.accuracy.WithLabelValues(symbol, model).Set(accuracy)
	r.f1.WithLabelValues(symbol, model).Set(f1)
	r.selectedK.WithLabelValues(symbol, model).Set(float64(k))
}

// RecordCVScore 记录交叉验证得分
func (r *Recorder) RecordCVScore(symbol string, score float64) {
	r.cvScore.WithLabelValues(symbol).Set(score)
}

// RecordRows 记录各阶段行数
func (r *Recorder) RecordRows(symbol, stage string, n int) {
	r.rows.WithLabelValues(symbol, stage).Set(float64(n))
}

// ObserveStage 记录阶段耗时
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.duration.WithLabelValues(stage).Observe(d.Seconds())
}

// MarkBatchComplete 记录批次完成时间
func (r *Recorder) MarkBatchComplete(at time.Time) {
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile 以 node_exporter textfile 格式写出全部指标
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
