package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"knnsignal/ml"
)

func TestSortPredictions(t *testing.T) {
	dates := []time.Time{day("2020-03-02"), day("2020-01-01"), day("2020-02-01")}
	records, err := SortPredictions(dates, []int{1, -1, 0})
	if err != nil {
		t.Fatalf("SortPredictions failed: %v", err)
	}

	want := []struct {
		date string
		pred int
	}{
		{"2020-01-01", -1},
		{"2020-02-01", 0},
		{"2020-03-02", 1},
	}
	for i, w := range want {
		if !records[i].Date.Equal(day(w.date)) || records[i].Prediction != w.pred {
			t.Errorf("record %d = %v/%d, want %s/%d", i, records[i].Date, records[i].Prediction, w.date, w.pred)
		}
	}
	if !dates[0].Equal(day("2020-03-02")) {
		t.Error("input dates were reordered")
	}
}

func TestSortPredictionsLengthMismatch(t *testing.T) {
	_, err := SortPredictions([]time.Time{day("2020-01-01")}, []int{1, 0})
	if !errors.Is(err, ml.ErrData) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "predictions")
	exporter := NewPredictionExporter(dir, "")

	records, _ := SortPredictions(
		[]time.Time{day("2020-03-02"), day("2020-01-01"), day("2020-02-01")},
		[]int{1, -1, 0},
	)
	path, err := exporter.WriteCSV("AAPL", records)
	if err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if path != filepath.Join(dir, "AAPL.csv") {
		t.Errorf("unexpected path %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	want := "Date,Prediction\n2020-01-01,-1\n2020-02-01,0\n2020-03-02,1\n"
	if string(data) != want {
		t.Errorf("export content:\n%s\nwant:\n%s", data, want)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestVisualizationSeries(t *testing.T) {
	vizDir := filepath.Join(t.TempDir(), "viz")
	exporter := NewPredictionExporter(t.TempDir(), vizDir)

	if err := exporter.WriteKCurve("AAPL", []ml.CandidateScore{{K: 1, Score: 0.5}, {K: 2, Score: 0.625}}); err != nil {
		t.Fatalf("WriteKCurve failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(vizDir, "AAPL_kcurve.csv"))
	if err != nil {
		t.Fatalf("read curve: %v", err)
	}
	if string(data) != "k,score\n1,0.5\n2,0.625\n" {
		t.Errorf("unexpected curve file: %q", data)
	}

	err = exporter.WriteScatter("AAPL",
		[]time.Time{day("2020-02-01"), day("2020-01-01")},
		[]int{1, 0},
		[]int{0, 0},
	)
	if err != nil {
		t.Fatalf("WriteScatter failed: %v", err)
	}
	data, err = os.ReadFile(filepath.Join(vizDir, "AAPL_scatter.csv"))
	if err != nil {
		t.Fatalf("read scatter: %v", err)
	}
	if string(data) != "Date,Actual,Predicted\n2020-01-01,0,0\n2020-02-01,1,0\n" {
		t.Errorf("unexpected scatter file: %q", data)
	}
}

func TestVisualizationDisabled(t *testing.T) {
	exporter := NewPredictionExporter(t.TempDir(), "")
	if exporter.VisualizationEnabled() {
		t.Fatal("visualization should be disabled")
	}
	if err := exporter.WriteKCurve("AAPL", []ml.CandidateScore{{K: 1}}); err != nil {
		t.Errorf("disabled WriteKCurve returned %v", err)
	}
}
