package ml

import (
	"errors"
	"fmt"
)

// DataPreprocessor min-max scales feature columns into [0,1].
type DataPreprocessor struct {
	names []string
	mins  []float64
	maxs  []float64
}

// NewDataPreprocessor names the columns so errors and stats can refer to them.
func NewDataPreprocessor(names []string) *DataPreprocessor {
	return &DataPreprocessor{names: append([]string(nil), names...)}
}

// ComputeStats records per-column min and max. A constant column cannot be
// scaled and is rejected.
func (p *DataPreprocessor) ComputeStats(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	width := len(features[0])
	if len(p.names) != 0 && len(p.names) != width {
		return fmt.Errorf("%w: %d column names for %d columns", ErrConfiguration, len(p.names), width)
	}

	mins := append([]float64(nil), features[0]...)
	maxs := append([]float64(nil), features[0]...)
	for i, row := range features[1:] {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrData, i+1, len(row), width)
		}
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	for j := range mins {
		if mins[j] == maxs[j] {
			return fmt.Errorf("%w: column %s is constant (%g)", ErrConfiguration, p.columnName(j), mins[j])
		}
	}

	p.mins = mins
	p.maxs = maxs
	return nil
}

// Normalize scales rows with the computed stats, preserving row order.
func (p *DataPreprocessor) Normalize(features [][]float64) ([][]float64, error) {
	if len(features) == 0 {
		return nil, errors.New("features is empty")
	}
	if p.mins == nil {
		return nil, errors.New("feature stats not computed")
	}

	vectors := make([][]float64, len(features))
	for i, row := range features {
		normalized, err := NormalizeVector(row, p.mins, p.maxs)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		vectors[i] = normalized
	}
	return vectors, nil
}

// FitTransform computes stats on features and normalizes them.
func (p *DataPreprocessor) FitTransform(features [][]float64) ([][]float64, error) {
	if err := p.ComputeStats(features); err != nil {
		return nil, err
	}
	return p.Normalize(features)
}

func (p *DataPreprocessor) FeatureStats() map[string][2]float64 {
	if p.mins == nil {
		return nil
	}
	stats := make(map[string][2]float64, len(p.mins))
	for i := range p.mins {
		stats[p.columnName(i)] = [2]float64{p.mins[i], p.maxs[i]}
	}
	return stats
}

func (p *DataPreprocessor) columnName(idx int) string {
	if idx < len(p.names) {
		return p.names[idx]
	}
	return fmt.Sprintf("#%d", idx)
}
