package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"knnsignal/market"
	"knnsignal/ml"
)

// PredictionExporter 预测结果导出器
type PredictionExporter struct {
	dir    string
	vizDir string
}

// NewPredictionExporter 创建导出器，vizDir 为空时不输出可视化数据
func NewPredictionExporter(dir, vizDir string) *PredictionExporter {
	return &PredictionExporter{dir: dir, vizDir: vizDir}
}

// SortPredictions 按日期升序配对日期与预测值，同日期保持输入顺序
func SortPredictions(dates []time.Time, predictions []int) ([]ml.PredictionRecord, error) {
	if len(dates) != len(predictions) {
		return nil, fmt.Errorf("%w: %d dates but %d predictions", ml.ErrData, len(dates), len(predictions))
	}
	records := make([]ml.PredictionRecord, len(dates))
	for i := range dates {
		records[i] = ml.PredictionRecord{Date: dates[i], Prediction: predictions[i]}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.Before(records[j].Date)
	})
	return records, nil
}

// Path 返回股票的预测文件路径
func (e *PredictionExporter) Path(symbol string) string {
	return filepath.Join(e.dir, symbol+".csv")
}

// WriteCSV 写出 <dir>/<symbol>.csv，表头为 Date,Prediction
func (e *PredictionExporter) WriteCSV(symbol string, records []ml.PredictionRecord) (string, error) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.Date.Format(market.DateLayout), strconv.Itoa(r.Prediction)})
	}
	path := e.Path(symbol)
	if err := writeCSVFile(path, []string{"Date", "Prediction"}, rows); err != nil {
		return "", err
	}
	return path, nil
}

// VisualizationEnabled 是否输出可视化数据
func (e *PredictionExporter) VisualizationEnabled() bool {
	return e.vizDir != ""
}

// WriteKCurve 写出 k 与交叉验证得分曲线
func (e *PredictionExporter) WriteKCurve(symbol string, curve []ml.CandidateScore) error {
	if !e.VisualizationEnabled() {
		return nil
	}
	rows := make([][]string, 0, len(curve))
	for _, c := range curve {
		rows = append(rows, []string{strconv.Itoa(c.K), strconv.FormatFloat(c.Score, 'f', -1, 64)})
	}
	return writeCSVFile(filepath.Join(e.vizDir, symbol+"_kcurve.csv"), []string{"k", "score"}, rows)
}

// WriteScatter 写出测试集实际值与预测值，按日期排序
func (e *PredictionExporter) WriteScatter(symbol string, dates []time.Time, actual, predicted []int) error {
	if !e.VisualizationEnabled() {
		return nil
	}
	if len(dates) != len(actual) || len(actual) != len(predicted) {
		return fmt.Errorf("%w: scatter series lengths differ", ml.ErrData)
	}
	order := make([]int, len(dates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dates[order[a]].Before(dates[order[b]])
	})
	rows := make([][]string, 0, len(order))
	for _, i := range order {
		rows = append(rows, []string{
			dates[i].Format(market.DateLayout),
			strconv.Itoa(actual[i]),
			strconv.Itoa(predicted[i]),
		})
	}
	return writeCSVFile(filepath.Join(e.vizDir, symbol+"_scatter.csv"), []string{"Date", "Actual", "Predicted"}, rows)
}

// writeCSVFile 先写临时文件再重命名，避免读到半截文件
func writeCSVFile(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
