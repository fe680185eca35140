package ml

import (
	"errors"
	"fmt"
	"math"
	"time"

	"knnsignal/market"
)

const (
	LabelSell = -1
	LabelHold = 0
	LabelBuy  = 1
)

// LabelConfig controls the lag-based labeling rule.
type LabelConfig struct {
	Lag          int
	ThresholdPct float64
}

// DefaultLabelConfig compares each close with the close five rows earlier
// and classifies moves of at least two percent.
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{Lag: 5, ThresholdPct: 2}
}

// Dataset keeps dates, feature rows and labels aligned by index.
type Dataset struct {
	Columns []string
	Dates   []time.Time
	X       [][]float64
	Y       []int
}

func (d *Dataset) Len() int {
	return len(d.Y)
}

// Subset returns the rows at indices, keeping every column aligned.
func (d *Dataset) Subset(indices []int) *Dataset {
	out := &Dataset{
		Columns: d.Columns,
		Dates:   make([]time.Time, len(indices)),
		X:       make([][]float64, len(indices)),
		Y:       make([]int, len(indices)),
	}
	for i, idx := range indices {
		out.Dates[i] = d.Dates[idx]
		out.X[i] = d.X[idx]
		out.Y[i] = d.Y[idx]
	}
	return out
}

// PercentageChange returns (current - previous) / previous * 100.
func PercentageChange(current, previous float64) (float64, error) {
	if previous == 0 {
		return 0, fmt.Errorf("%w: reference close is zero", ErrData)
	}
	pct := (current - previous) / previous * 100
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0, fmt.Errorf("%w: non-finite percentage change", ErrData)
	}
	return pct, nil
}

// GenerateLabels labels each close against the close cfg.Lag rows earlier.
// Rows without a lagged reference are held; thresholds are inclusive.
func GenerateLabels(closes []float64, cfg LabelConfig) ([]int, error) {
	if len(closes) == 0 {
		return nil, errors.New("closes is empty")
	}
	if cfg.Lag <= 0 {
		return nil, fmt.Errorf("%w: lag must be positive", ErrConfiguration)
	}
	if cfg.ThresholdPct <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive", ErrConfiguration)
	}

	labels := make([]int, len(closes))
	for i, current := range closes {
		if math.IsNaN(current) || math.IsInf(current, 0) {
			return nil, fmt.Errorf("%w: non-finite close at row %d", ErrData, i)
		}
		if i < cfg.Lag {
			labels[i] = LabelHold
			continue
		}
		pct, err := PercentageChange(current, closes[i-cfg.Lag])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		switch {
		case pct <= -cfg.ThresholdPct:
			labels[i] = LabelSell
		case pct >= cfg.ThresholdPct:
			labels[i] = LabelBuy
		default:
			labels[i] = LabelHold
		}
	}
	return labels, nil
}

// BuildDataset labels observations and lays them out as an aligned dataset.
// Observations must already be cleaned and sorted ascending by date.
func BuildDataset(observations []market.Observation, cfg LabelConfig) (*Dataset, error) {
	if len(observations) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrData)
	}
	columns := market.FeatureColumns()

	closes := make([]float64, len(observations))
	dates := make([]time.Time, len(observations))
	features := make([][]float64, len(observations))
	for i, o := range observations {
		if i > 0 && !o.Date.After(observations[i-1].Date) {
			return nil, fmt.Errorf("%w: dates not strictly ascending at %s", ErrData, o.Date.Format(market.DateLayout))
		}
		if len(o.Features) != len(columns) {
			return nil, fmt.Errorf("%w: row %s has %d features, want %d", ErrData, o.Date.Format(market.DateLayout), len(o.Features), len(columns))
		}
		for j, v := range o.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite %s at %s", ErrData, columns[j], o.Date.Format(market.DateLayout))
			}
		}
		closes[i] = o.Close
		dates[i] = o.Date
		features[i] = append([]float64(nil), o.Features...)
	}

	labels, err := GenerateLabels(closes, cfg)
	if err != nil {
		return nil, err
	}

	return &Dataset{
		Columns: columns,
		Dates:   dates,
		X:       features,
		Y:       labels,
	}, nil
}
