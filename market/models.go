package market

import "time"

// Observation is one trading day of a stock's indicator table.
// Features holds the values of FeatureColumns in the same order.
type Observation struct {
	Symbol   string    `json:"symbol"`
	Date     time.Time `json:"date"`
	Close    float64   `json:"close"`
	Features []float64 `json:"features"`
}

const (
	DateColumn  = "date"
	CloseColumn = "close"
	DateLayout  = "2006-01-02"
)

var featureColumns = []string{
	"volume",
	"macd",
	"macds",
	"macdh",
	"rsi_14",
	"boll",
	"boll_ub",
	"boll_lb",
	"kdjk",
	"kdjd",
	"kdjj",
	"adx",
	"close_5_ema",
	"close_10_ema",
	"close_20_ema",
	"close_40_ema",
	"vr",
}

// FeatureColumns returns the ordered indicator columns used as model input.
func FeatureColumns() []string {
	return append([]string(nil), featureColumns...)
}

// Feature returns the value of a named feature column.
func (o Observation) Feature(name string) (float64, bool) {
	for i, column := range featureColumns {
		if column == name && i < len(o.Features) {
			return o.Features[i], true
		}
	}
	return 0, false
}

// Table is the cleaned-or-raw indicator history of one stock.
type Table struct {
	Symbol       string
	Observations []Observation
	Dropped      int
}
