package ml

import (
	"errors"
	"testing"
	"time"

	"knnsignal/market"
)

func flatCloses(n int, value float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = value
	}
	return closes
}

func TestGenerateLabelsHoldsRowsWithoutLag(t *testing.T) {
	closes := []float64{100, 50, 200, 10, 300, 100, 100}
	labels, err := GenerateLabels(closes, DefaultLabelConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		if labels[i] != LabelHold {
			t.Fatalf("row %d: expected hold, got %d", i, labels[i])
		}
	}
}

func TestGenerateLabelsThresholds(t *testing.T) {
	tests := []struct {
		name  string
		close float64
		want  int
	}{
		{name: "exactly +2 percent buys", close: 102, want: LabelBuy},
		{name: "exactly -2 percent sells", close: 98, want: LabelSell},
		{name: "just under +2 percent holds", close: 101.99, want: LabelHold},
		{name: "just above -2 percent holds", close: 98.01, want: LabelHold},
		{name: "large rise buys", close: 150, want: LabelBuy},
		{name: "large drop sells", close: 50, want: LabelSell},
		{name: "unchanged holds", close: 100, want: LabelHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closes := append(flatCloses(5, 100), tt.close)
			labels, err := GenerateLabels(closes, DefaultLabelConfig())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := labels[5]; got != tt.want {
				t.Errorf("label = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGenerateLabelsScenario(t *testing.T) {
	closes := flatCloses(60, 100)
	closes[10] = 105
	closes[20] = 101

	labels, err := GenerateLabels(closes, DefaultLabelConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(labels) != 60 {
		t.Fatalf("expected 60 labels, got %d", len(labels))
	}
	if labels[10] != LabelBuy {
		t.Fatalf("row 10: expected buy, got %d", labels[10])
	}
	if labels[20] != LabelHold {
		t.Fatalf("row 20: expected hold, got %d", labels[20])
	}
}

func TestGenerateLabelsZeroLagClose(t *testing.T) {
	closes := []float64{0, 1, 1, 1, 1, 1}
	_, err := GenerateLabels(closes, DefaultLabelConfig())
	if !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestGenerateLabelsZeroCloseWithoutLagIsHeld(t *testing.T) {
	closes := []float64{1, 0, 1, 1, 1}
	labels, err := GenerateLabels(closes, DefaultLabelConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, label := range labels {
		if label != LabelHold {
			t.Fatalf("row %d: expected hold, got %d", i, label)
		}
	}
}

func TestGenerateLabelsInvalidConfig(t *testing.T) {
	if _, err := GenerateLabels([]float64{1, 2}, LabelConfig{Lag: 0, ThresholdPct: 2}); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func testObservations(n int) []market.Observation {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	width := len(market.FeatureColumns())
	observations := make([]market.Observation, n)
	for i := range observations {
		features := make([]float64, width)
		for j := range features {
			features[j] = float64(i*(j+1)) + 1
		}
		observations[i] = market.Observation{
			Symbol:   "AAPL",
			Date:     start.AddDate(0, 0, i),
			Close:    100 + float64(i%7),
			Features: features,
		}
	}
	return observations
}

func TestBuildDatasetAlignsRows(t *testing.T) {
	observations := testObservations(12)
	dataset, err := BuildDataset(observations, DefaultLabelConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dataset.Len() != 12 || len(dataset.X) != 12 || len(dataset.Dates) != 12 {
		t.Fatalf("misaligned dataset: %d labels, %d rows, %d dates", dataset.Len(), len(dataset.X), len(dataset.Dates))
	}
	for i, o := range observations {
		if !dataset.Dates[i].Equal(o.Date) {
			t.Fatalf("row %d: date %v, want %v", i, dataset.Dates[i], o.Date)
		}
		if dataset.X[i][0] != o.Features[0] {
			t.Fatalf("row %d: feature mismatch", i)
		}
	}

	subset := dataset.Subset([]int{7, 2})
	if !subset.Dates[0].Equal(observations[7].Date) || subset.Y[1] != dataset.Y[2] {
		t.Fatal("subset lost alignment")
	}
}

func TestBuildDatasetRejectsUnsortedDates(t *testing.T) {
	observations := testObservations(6)
	observations[3], observations[4] = observations[4], observations[3]
	if _, err := BuildDataset(observations, DefaultLabelConfig()); !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}
