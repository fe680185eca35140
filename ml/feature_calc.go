package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

func NormalizeFeature(value, min, max float64) (float64, error) {
	if max == min {
		return 0, fmt.Errorf("%w: degenerate range [%g, %g]", ErrConfiguration, min, max)
	}
	return (value - min) / (max - min), nil
}

func NormalizeVector(values []float64, mins []float64, maxs []float64) ([]float64, error) {
	if len(values) != len(mins) || len(values) != len(maxs) {
		return nil, errors.New("values/mins/maxs length mismatch")
	}
	result := make([]float64, len(values))
	for i := range values {
		v, err := NormalizeFeature(values[i], mins[i], maxs[i])
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		result[i] = v
	}
	return result, nil
}

// EuclideanDistance is the L2 distance between two equal-length vectors.
func EuclideanDistance(a, b []float64) float64 {
	return floats.Distance(a, b, 2)
}
