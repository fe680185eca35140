package ml

import (
	"errors"
	"sort"
)

func Accuracy(actual, predicted []int) (float64, error) {
	if len(actual) != len(predicted) {
		return 0, errors.New("actual/predicted length mismatch")
	}
	if len(actual) == 0 {
		return 0, errors.New("no samples")
	}
	correct := 0
	for i := range actual {
		if actual[i] == predicted[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(actual)), nil
}

// ConfusionMatrix counts (actual, predicted) pairs keyed by label.
type ConfusionMatrix struct {
	Labels []int
	Counts map[int]map[int]int
}

func NewConfusionMatrix(actual, predicted []int) (*ConfusionMatrix, error) {
	if len(actual) != len(predicted) {
		return nil, errors.New("actual/predicted length mismatch")
	}
	seen := make(map[int]struct{})
	counts := make(map[int]map[int]int)
	for i := range actual {
		seen[actual[i]] = struct{}{}
		seen[predicted[i]] = struct{}{}
		if counts[actual[i]] == nil {
			counts[actual[i]] = make(map[int]int)
		}
		counts[actual[i]][predicted[i]]++
	}
	labels := make([]int, 0, len(seen))
	for label := range seen {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	return &ConfusionMatrix{Labels: labels, Counts: counts}, nil
}

func (c *ConfusionMatrix) Count(actual, predicted int) int {
	return c.Counts[actual][predicted]
}

// F1 returns the per-label F1 and its support among actual labels.
func (c *ConfusionMatrix) F1(label int) (float64, int) {
	tp := c.Count(label, label)
	support, predictedTotal := 0, 0
	for _, other := range c.Labels {
		support += c.Count(label, other)
		predictedTotal += c.Count(other, label)
	}
	if tp == 0 {
		return 0, support
	}
	precision := float64(tp) / float64(predictedTotal)
	recall := float64(tp) / float64(support)
	return 2 * precision * recall / (precision + recall), support
}

// WeightedF1 averages per-label F1 weighted by how often each label occurs
// in actual. Labels with no true or predicted positives score zero.
func WeightedF1(actual, predicted []int) (float64, error) {
	if len(actual) == 0 {
		return 0, errors.New("no samples")
	}
	matrix, err := NewConfusionMatrix(actual, predicted)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, label := range matrix.Labels {
		f1, support := matrix.F1(label)
		total += f1 * float64(support)
	}
	return total / float64(len(actual)), nil
}
