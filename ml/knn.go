package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// KNNClassifier is a k-nearest-neighbors classifier over Euclidean distance.
type KNNClassifier struct {
	K        int
	features [][]float64
	labels   []int
}

type knnSnapshot struct {
	K        int         `json:"k"`
	Features [][]float64 `json:"features"`
	Labels   []int       `json:"labels"`
}

type neighbor struct {
	index    int
	distance float64
}

func NewKNNClassifier(k int) *KNNClassifier {
	return &KNNClassifier{K: k}
}

// Train stores the training rows; KNN has no fitting step beyond that.
func (m *KNNClassifier) Train(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if m.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrConfiguration, m.K)
	}
	if m.K > len(features) {
		return fmt.Errorf("%w: k=%d exceeds %d training rows", ErrConfiguration, m.K, len(features))
	}
	width := len(features[0])
	rows := make([][]float64, len(features))
	for i, row := range features {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrData, i, len(row), width)
		}
		rows[i] = append([]float64(nil), row...)
	}
	m.features = rows
	m.labels = append([]int(nil), labels...)
	return nil
}

// Predict returns the majority label of the K nearest rows and its vote share.
// Equal distances keep training order; equal vote counts go to the smaller label.
func (m *KNNClassifier) Predict(features []float64) (int, float64, error) {
	if len(m.features) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	if len(features) != len(m.features[0]) {
		return 0, 0, fmt.Errorf("%w: got %d features, want %d", ErrData, len(features), len(m.features[0]))
	}

	neighbors := make([]neighbor, len(m.features))
	for i, row := range m.features {
		neighbors[i] = neighbor{index: i, distance: EuclideanDistance(features, row)}
	}
	sort.SliceStable(neighbors, func(a, b int) bool {
		return neighbors[a].distance < neighbors[b].distance
	})

	votes := make(map[int]int)
	for _, n := range neighbors[:m.K] {
		votes[m.labels[n.index]]++
	}
	bestLabel, bestCount := 0, -1
	for label, count := range votes {
		if count > bestCount || (count == bestCount && label < bestLabel) {
			bestLabel = label
			bestCount = count
		}
	}
	return bestLabel, float64(bestCount) / float64(m.K), nil
}

// PredictBatch predicts every row in order.
func (m *KNNClassifier) PredictBatch(features [][]float64) ([]int, error) {
	predictions := make([]int, len(features))
	for i, row := range features {
		label, _, err := m.Predict(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		predictions[i] = label
	}
	return predictions, nil
}

func (m *KNNClassifier) Save(path string) error {
	if len(m.features) == 0 {
		return errors.New("model not trained")
	}
	payload, err := json.Marshal(knnSnapshot{K: m.K, Features: m.features, Labels: m.labels})
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (m *KNNClassifier) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snapshot knnSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Features) != len(snapshot.Labels) {
		return fmt.Errorf("%w: model file has %d rows and %d labels", ErrData, len(snapshot.Features), len(snapshot.Labels))
	}
	if snapshot.K < 1 || snapshot.K > len(snapshot.Features) {
		return fmt.Errorf("%w: model file has k=%d for %d rows", ErrData, snapshot.K, len(snapshot.Features))
	}
	width := len(snapshot.Features[0])
	for i, row := range snapshot.Features {
		if len(row) != width {
			return fmt.Errorf("%w: model file row %d has %d columns, want %d", ErrData, i, len(row), width)
		}
	}
	m.K = snapshot.K
	m.features = snapshot.Features
	m.labels = snapshot.Labels
	return nil
}
