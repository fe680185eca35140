package pipeline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"knnsignal/market"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*market.Observation) (*market.Observation, error)
	Name() string
}

// statefulRule 需要在每次清洗前重置的规则
type statefulRule interface {
	Reset()
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // low, medium, high
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Date      time.Time `json:"date"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules []CleaningRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		rules: make([]CleaningRule, 0),
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}

	// 默认规则，顺序即执行顺序
	cleaner.AddRule(NewFiniteValueRule())
	cleaner.AddRule(NewPriceValidationRule())
	cleaner.AddRule(NewDuplicateDateRule())

	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 清洗数据，返回按日期升序排列的副本
func (dc *DataCleaner) Clean(observations []market.Observation) ([]market.Observation, []QualityIssue) {
	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, rule := range dc.rules {
		if r, ok := rule.(statefulRule); ok {
			r.Reset()
		}
	}

	cleaned := make([]market.Observation, 0, len(observations))
	var issues []QualityIssue

	for i := range observations {
		dc.stats.TotalProcessed++
		point := &observations[i]

		rejected := false
		for _, rule := range dc.rules {
			next, err := rule.Apply(point)
			if err != nil {
				issues = append(issues, QualityIssue{
					Type:      rule.Name(),
					Severity:  "high",
					Message:   err.Error(),
					Timestamp: time.Now(),
					Symbol:    point.Symbol,
					Date:      point.Date,
				})
				dc.stats.Issues[rule.Name()]++
				rejected = true
				break
			}
			if next != nil {
				point = next
			}
		}

		if rejected {
			dc.stats.Rejected++
			continue
		}
		dc.stats.Passed++
		cleaned = append(cleaned, *point)
	}

	sort.SliceStable(cleaned, func(i, j int) bool {
		return cleaned[i].Date.Before(cleaned[j].Date)
	})
	dc.stats.LastClean = time.Now()

	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// ============ 清洗规则实现 ============

// FiniteValueRule 非有限值规则：收盘价或任一特征为 NaN/Inf 时剔除
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_value"
}

func (r *FiniteValueRule) Apply(point *market.Observation) (*market.Observation, error) {
	if math.IsNaN(point.Close) || math.IsInf(point.Close, 0) {
		return nil, fmt.Errorf("close %v is not finite", point.Close)
	}
	columns := market.FeatureColumns()
	for i, v := range point.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			name := fmt.Sprintf("#%d", i)
			if i < len(columns) {
				name = columns[i]
			}
			return nil, fmt.Errorf("feature %s is %v", name, v)
		}
	}
	return point, nil
}

// PriceValidationRule 价格验证规则
type PriceValidationRule struct {
	MinPrice float64
}

func NewPriceValidationRule() *PriceValidationRule {
	return &PriceValidationRule{MinPrice: 0}
}

func (r *PriceValidationRule) Name() string {
	return "price_validation"
}

func (r *PriceValidationRule) Apply(point *market.Observation) (*market.Observation, error) {
	// 收盘价为标签分母，必须为正
	if point.Close <= r.MinPrice {
		return nil, fmt.Errorf("close %.4f must be greater than %.4f", point.Close, r.MinPrice)
	}
	return point, nil
}

// DuplicateDateRule 重复日期规则：同一日期只保留第一行
type DuplicateDateRule struct {
	seenMap map[string]struct{}
	mu      sync.Mutex
}

func NewDuplicateDateRule() *DuplicateDateRule {
	return &DuplicateDateRule{
		seenMap: make(map[string]struct{}),
	}
}

func (r *DuplicateDateRule) Name() string {
	return "duplicate_date"
}

func (r *DuplicateDateRule) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seenMap = make(map[string]struct{})
}

func (r *DuplicateDateRule) Apply(point *market.Observation) (*market.Observation, error) {
	key := point.Symbol + "_" + point.Date.Format(market.DateLayout)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seenMap[key]; exists {
		return nil, fmt.Errorf("duplicate row for %s on %s", point.Symbol, point.Date.Format(market.DateLayout))
	}
	r.seenMap[key] = struct{}{}
	return point, nil
}
