package analysis

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxBytes is the largest input the sampler accepts.
const DefaultMaxBytes int64 = 10 << 20

// Kind is the inferred type of a column.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindDatetime    Kind = "datetime"
	KindCategorical Kind = "categorical"
	// KindEmpty marks a column with no non-missing values.
	KindEmpty Kind = "empty"
)

// OutlierMethod selects the outlier rule.
type OutlierMethod string

const (
	OutlierZScore OutlierMethod = "zscore"
	OutlierIQR    OutlierMethod = "iqr"
)

// ParseOutlierMethod accepts "zscore" or "iqr" (case-insensitive).
func ParseOutlierMethod(s string) (OutlierMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zscore", "z-score", "z":
		return OutlierZScore, nil
	case "iqr":
		return OutlierIQR, nil
	default:
		return "", fmt.Errorf("unknown outlier method %q (use zscore or iqr)", s)
	}
}

// minRowsForRelations is the smallest row count for which correlations and
// outliers are reported.
const minRowsForRelations = 6

// Options controls sampling and statistics.
type Options struct {
	// MaxBytes rejects larger inputs; 0 means DefaultMaxBytes.
	MaxBytes int64
	// SampleRows is how many leading rows to keep verbatim.
	SampleRows int
	// Delimiter for CSV. If 0, '\t' for .tsv names and ',' otherwise.
	Delimiter rune
	// CorrelationThreshold keeps pairs with |r| strictly above it; nil means 0.5.
	CorrelationThreshold *float64
	OutlierMethod        OutlierMethod
	// OutlierThreshold is |z| for zscore and the IQR multiplier k for iqr.
	OutlierThreshold float64
	// TopValues is the number of most frequent values kept per categorical column.
	TopValues int
}

// Threshold returns a pointer to v for Options.CorrelationThreshold.
func Threshold(v float64) *float64 { return &v }

// DefaultOptions returns the defaults used by the pipeline.
func DefaultOptions() Options {
	return Options{
		MaxBytes:             DefaultMaxBytes,
		SampleRows:           5,
		CorrelationThreshold: Threshold(0.5),
		OutlierMethod:        OutlierZScore,
		OutlierThreshold:     3,
		TopValues:            5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	if o.SampleRows <= 0 {
		o.SampleRows = d.SampleRows
	}
	if o.CorrelationThreshold == nil {
		o.CorrelationThreshold = d.CorrelationThreshold
	}
	if o.OutlierMethod == "" {
		o.OutlierMethod = d.OutlierMethod
	}
	if o.OutlierThreshold <= 0 {
		o.OutlierThreshold = d.OutlierThreshold
	}
	if o.TopValues <= 0 {
		o.TopValues = d.TopValues
	}
	return o
}

// Summary is everything the sampler derives from one dataset.
type Summary struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	// Headers are the literal header tokens in file order.
	Headers []string `json:"headers"`
	// Rows holds the first SampleRows data rows, padded to header width.
	Rows             [][]string      `json:"rows"`
	RowCount         int             `json:"row_count"`
	Columns          []ColumnSummary `json:"columns"`
	Correlations     []Correlation   `json:"correlations"`
	Outliers         []OutlierCount  `json:"outliers"`
	OutlierMethod    OutlierMethod   `json:"outlier_method"`
	OutlierThreshold float64         `json:"outlier_threshold"`
}

// ColumnCount is the number of header columns.
func (s *Summary) ColumnCount() int { return len(s.Headers) }

// Records returns the sample rows keyed by header.
func (s *Summary) Records() []map[string]string {
	out := make([]map[string]string, 0, len(s.Rows))
	for _, row := range s.Rows {
		rec := make(map[string]string, len(s.Headers))
		for i, h := range s.Headers {
			if i < len(row) {
				rec[h] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out
}

// Kinds maps each column to its inferred kind.
func (s *Summary) Kinds() map[string]Kind {
	out := make(map[string]Kind, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = c.Kind
	}
	return out
}

// Column returns the summary for the named column.
func (s *Summary) Column(name string) (ColumnSummary, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSummary{}, false
}

// ColumnSummary captures inferred type and statistics per column.
type ColumnSummary struct {
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	Numeric     *NumericStats     `json:"numeric,omitempty"`
	Categorical *CategoricalStats `json:"categorical,omitempty"`
}

// NumericStats are the descriptive statistics of a numeric column.
type NumericStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	// Std is the sample standard deviation; 0 when fewer than two values exist.
	Std            float64 `json:"std"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Q1             float64 `json:"q1"`
	Q3             float64 `json:"q3"`
	Missing        int     `json:"missing"`
	MissingPercent float64 `json:"missing_percent"`
}

// CategoricalStats describe non-numeric columns.
type CategoricalStats struct {
	Unique         int             `json:"unique"`
	TopValues      []CategoryCount `json:"top_values"`
	Missing        int             `json:"missing"`
	MissingPercent float64         `json:"missing_percent"`
}

type CategoryCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Sample reads a CSV file from disk.
func Sample(path string, opt Options) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return SampleReader(filepath.Base(path), f, opt)
}

// SampleReader computes a Summary from delimited text. name is used for
// delimiter sniffing and reporting only.
func SampleReader(name string, r io.Reader, opt Options) (*Summary, error) {
	opt = opt.withDefaults()

	data, err := io.ReadAll(io.LimitReader(r, opt.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if int64(len(data)) > opt.MaxBytes {
		return nil, &DataFormatError{Name: name, Reason: fmt.Sprintf("file exceeds %d bytes", opt.MaxBytes)}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &DataFormatError{Name: name, Reason: "file is empty"}
	}

	delim := opt.Delimiter
	if delim == 0 {
		delim = sniffDelimiter(name)
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.Comma = delim

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &DataFormatError{Name: name, Reason: "no header row"}
		}
		return nil, &DataFormatError{Name: name, Reason: "unparseable header", Err: err}
	}
	ncol := len(header)
	seen := make(map[string]struct{}, ncol)
	for _, h := range header {
		if _, dup := seen[h]; dup {
			return nil, &DataFormatError{Name: name, Reason: fmt.Sprintf("duplicate column %q", h)}
		}
		seen[h] = struct{}{}
	}

	sum := &Summary{
		Name:             name,
		SizeBytes:        int64(len(data)),
		Headers:          append([]string(nil), header...),
		OutlierMethod:    opt.OutlierMethod,
		OutlierThreshold: opt.OutlierThreshold,
	}

	cols := make([]*colAcc, ncol)
	for i := range cols {
		cols[i] = newColAcc(header[i])
	}
	for {
		rec, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &DataFormatError{Name: name, Reason: fmt.Sprintf("row %d is not valid delimited text", sum.RowCount+1), Err: err}
		}
		if len(rec) > ncol {
			return nil, &DataFormatError{Name: name, Reason: fmt.Sprintf("row %d has %d fields, header has %d", sum.RowCount+1, len(rec), ncol)}
		}
		if len(rec) < ncol {
			tmp := make([]string, ncol)
			copy(tmp, rec)
			rec = tmp
		}
		sum.RowCount++
		if len(sum.Rows) < opt.SampleRows {
			sum.Rows = append(sum.Rows, rec)
		}
		for j, v := range rec {
			cols[j].add(v)
		}
	}

	sum.Columns = make([]ColumnSummary, 0, ncol)
	var numeric []*colAcc
	for _, c := range cols {
		cs := c.summarize(sum.RowCount, opt.TopValues)
		if cs.Kind == KindNumeric {
			numeric = append(numeric, c)
		}
		sum.Columns = append(sum.Columns, cs)
	}

	if sum.RowCount >= minRowsForRelations {
		sum.Correlations = correlations(numeric, *opt.CorrelationThreshold)
		sum.Outliers = outliers(numeric, opt.OutlierMethod, opt.OutlierThreshold)
	}
	if sum.Correlations == nil {
		sum.Correlations = []Correlation{}
	}
	if sum.Outliers == nil {
		sum.Outliers = []OutlierCount{}
	}
	return sum, nil
}

// colAcc accumulates one column. Values are kept row-aligned so pairwise
// statistics can skip rows missing in either column.
type colAcc struct {
	name    string
	raw     []string
	nums    []float64
	present []bool
	miss    int
	nonNum  int
	nonTime int
	cats    map[string]int

	// Welford
	n    int
	mean float64
	m2   float64
	min  float64
	max  float64
}

func newColAcc(name string) *colAcc {
	return &colAcc{name: name, cats: make(map[string]int), min: math.Inf(1), max: math.Inf(-1)}
}

func (c *colAcc) add(v string) {
	if IsMissing(v) {
		c.miss++
		c.nums = append(c.nums, math.NaN())
		c.present = append(c.present, false)
		return
	}
	c.raw = append(c.raw, v)
	c.cats[v]++
	if _, ok := parseTimeMaybe(strings.TrimSpace(v)); !ok {
		c.nonTime++
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		c.nonNum++
		c.nums = append(c.nums, math.NaN())
		c.present = append(c.present, false)
		return
	}
	c.nums = append(c.nums, x)
	c.present = append(c.present, true)
	c.n++
	if x < c.min {
		c.min = x
	}
	if x > c.max {
		c.max = x
	}
	delta := x - c.mean
	c.mean += delta / float64(c.n)
	c.m2 += delta * (x - c.mean)
}

func (c *colAcc) kind() Kind {
	switch {
	case len(c.raw) == 0:
		return KindEmpty
	case c.nonNum == 0:
		return KindNumeric
	case c.nonTime == 0:
		return KindDatetime
	default:
		return KindCategorical
	}
}

func (c *colAcc) summarize(rows, top int) ColumnSummary {
	s := ColumnSummary{Name: c.name, Kind: c.kind()}
	missPct := 0.0
	if rows > 0 {
		missPct = float64(c.miss) * 100.0 / float64(rows)
	}
	switch s.Kind {
	case KindNumeric:
		sorted := c.values()
		sort.Float64s(sorted)
		ns := &NumericStats{
			Count:          c.n,
			Mean:           c.mean,
			Min:            c.min,
			Max:            c.max,
			Median:         quantile(sorted, 0.5),
			Q1:             quantile(sorted, 0.25),
			Q3:             quantile(sorted, 0.75),
			Missing:        c.miss,
			MissingPercent: missPct,
		}
		if c.n > 1 {
			ns.Std = math.Sqrt(c.m2 / float64(c.n-1))
		}
		s.Numeric = ns
	case KindCategorical, KindDatetime:
		tops := make([]CategoryCount, 0, len(c.cats))
		for k, v := range c.cats {
			tops = append(tops, CategoryCount{Value: k, Count: v})
		}
		sort.Slice(tops, func(i, j int) bool {
			if tops[i].Count == tops[j].Count {
				return tops[i].Value < tops[j].Value
			}
			return tops[i].Count > tops[j].Count
		})
		if len(tops) > top {
			tops = tops[:top]
		}
		s.Categorical = &CategoricalStats{Unique: len(c.cats), TopValues: tops, Missing: c.miss, MissingPercent: missPct}
	}
	return s
}

// values returns the non-missing numeric values in row order.
func (c *colAcc) values() []float64 {
	out := make([]float64, 0, c.n)
	for i, ok := range c.present {
		if ok {
			out = append(out, c.nums[i])
		}
	}
	return out
}

var missingTokens = map[string]struct{}{
	"NA": {}, "N/A": {}, "NaN": {}, "nan": {}, "null": {}, "NULL": {}, "None": {}, "-": {},
}

// IsMissing reports whether a raw cell counts as a missing value.
func IsMissing(v string) bool {
	t := strings.TrimSpace(v)
	if t == "" {
		return true
	}
	_, ok := missingTokens[t]
	return ok
}

func sniffDelimiter(name string) rune {
	if strings.HasSuffix(strings.ToLower(name), ".tsv") {
		return '\t'
	}
	return ','
}

func parseTimeMaybe(s string) (time.Time, bool) {
	layouts := []string{
		time.RFC3339, "2006-01-02", "2006/01/02", "02/01/2006", "01/02/2006",
		"2006-01-02 15:04", "2006-01-02 15:04:05", "1/2/2006 15:04", "1/2/2006 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// quantile interpolates linearly between closest ranks of sorted values.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	w := pos - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}
