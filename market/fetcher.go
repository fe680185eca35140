package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// ErrMalformedTable marks an indicator file that cannot be used at all.
var ErrMalformedTable = errors.New("malformed indicator table")

// TableProvider loads the indicator history of one stock.
type TableProvider interface {
	Name() string
	LoadTable(ctx context.Context, symbol string) (*Table, error)
}

type cachedTable struct {
	size    int64
	modTime time.Time
	table   *Table
}

// CSVTableProvider reads <dir>/<symbol><suffix> indicator files.
type CSVTableProvider struct {
	dir      string
	suffix   string
	encoding string
	cache    *lru.Cache[string, cachedTable]
}

func NewCSVTableProvider(dir, suffix, encoding string, cacheSize int) (*CSVTableProvider, error) {
	if dir == "" {
		return nil, errors.New("indicator dir is required")
	}
	switch strings.ToLower(encoding) {
	case "", "utf-8", "utf8", "gbk":
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	cache, err := lru.New[string, cachedTable](cacheSize)
	if err != nil {
		return nil, err
	}
	return &CSVTableProvider{
		dir:      dir,
		suffix:   suffix,
		encoding: strings.ToLower(encoding),
		cache:    cache,
	}, nil
}

func (p *CSVTableProvider) Name() string {
	return "csv"
}

// Path returns the indicator file for symbol.
func (p *CSVTableProvider) Path(symbol string) string {
	return filepath.Join(p.dir, symbol+p.suffix)
}

// SymbolFromPath reverses Path, reporting false for unrelated files.
func (p *CSVTableProvider) SymbolFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, p.suffix) || len(base) == len(p.suffix) {
		return "", false
	}
	return strings.TrimSuffix(base, p.suffix), true
}

func (p *CSVTableProvider) Dir() string {
	return p.dir
}

// LoadTable parses the symbol's file, reusing the cached table while the
// file's size and modification time are unchanged.
func (p *CSVTableProvider) LoadTable(ctx context.Context, symbol string) (*Table, error) {
	if symbol == "" || strings.ContainsAny(symbol, `/\`) {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := p.Path(symbol)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if cached, ok := p.cache.Get(path); ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.table, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var reader io.Reader = file
	if p.encoding == "gbk" {
		reader = transform.NewReader(file, simplifiedchinese.GBK.NewDecoder())
	}
	table, err := ParseIndicatorCSV(reader, symbol)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	p.cache.Add(path, cachedTable{size: info.Size(), modTime: info.ModTime(), table: table})
	return table, nil
}

// Invalidate drops a cached table, forcing the next load to re-read it.
func (p *CSVTableProvider) Invalidate(symbol string) {
	p.cache.Remove(p.Path(symbol))
}

var dateLayouts = []string{DateLayout, "2006-01-02 15:04:05", "2006/01/02", "20060102"}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

// parseValue maps empty and null-like cells to NaN; "inf" parses to +Inf.
// Non-finite values are left for the cleaner to drop.
func parseValue(value string) (float64, error) {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "null", "none", "na":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(value, 64)
}

// ParseIndicatorCSV reads an indicator table with a header row. Rows with a
// wrong field count, an unparsable date or a non-numeric cell are dropped
// and counted in Table.Dropped.
func ParseIndicatorCSV(r io.Reader, symbol string) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrMalformedTable)
		}
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedTable, err)
	}
	positions := make(map[string]int, len(header))
	for i, name := range header {
		positions[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}

	required := append([]string{DateColumn, CloseColumn}, featureColumns...)
	for _, name := range required {
		if _, ok := positions[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrMalformedTable, name)
		}
	}

	table := &Table{Symbol: symbol}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				table.Dropped++
				continue
			}
			return nil, err
		}
		if len(record) != len(header) {
			table.Dropped++
			continue
		}

		observation, ok := parseRecord(record, positions, symbol)
		if !ok {
			table.Dropped++
			continue
		}
		table.Observations = append(table.Observations, observation)
	}
	return table, nil
}

func parseRecord(record []string, positions map[string]int, symbol string) (Observation, bool) {
	date, err := parseDate(record[positions[DateColumn]])
	if err != nil {
		return Observation{}, false
	}
	closePrice, err := parseValue(record[positions[CloseColumn]])
	if err != nil {
		return Observation{}, false
	}
	features := make([]float64, len(featureColumns))
	for i, name := range featureColumns {
		value, err := parseValue(record[positions[name]])
		if err != nil {
			return Observation{}, false
		}
		features[i] = value
	}
	return Observation{
		Symbol:   symbol,
		Date:     date,
		Close:    closePrice,
		Features: features,
	}, true
}
