package ml

import (
	"math/rand"
	"time"
)

// clusteredDataset builds three noisy, separable clusters, one per label.
func clusteredDataset(perClass int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	centers := map[int][]float64{
		LabelSell: {10, 200, -3},
		LabelHold: {20, 400, 0},
		LabelBuy:  {30, 600, 3},
	}
	start := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	dataset := &Dataset{Columns: []string{"a", "b", "c"}}
	row := 0
	for i := 0; i < perClass; i++ {
		for _, label := range []int{LabelSell, LabelHold, LabelBuy} {
			center := centers[label]
			dataset.X = append(dataset.X, []float64{
				center[0] + rng.NormFloat64()*3,
				center[1] + rng.NormFloat64()*60,
				center[2] + rng.NormFloat64()*1.2,
			})
			dataset.Y = append(dataset.Y, label)
			dataset.Dates = append(dataset.Dates, start.AddDate(0, 0, row))
			row++
		}
	}
	return dataset
}
