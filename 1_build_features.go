package custseg

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ObservationWindowDays is the window Recency and Frequency are measured against.
const ObservationWindowDays = 30

// Raw input columns.
const (
	ColLastPurchaseDays = "LastPurchaseDays"
	ColCallsMade        = "CallsMade"
	ColMonthlySpending  = "MonthlySpending"
	ColDataUsageGB      = "DataUsageGB"
	ColGender           = "Gender"
	ColRegion           = "Region"
)

// Derived feature names.
const (
	FeatureRecency     = "Recency"
	FeatureFrequency   = "Frequency"
	FeatureMonetary    = "Monetary"
	FeatureDataUsageGB = "DataUsageGB"
)

// ClusteringFeatures are the columns the Scaler and ClusterEngine operate on, in order.
var ClusteringFeatures = []string{FeatureRecency, FeatureFrequency, FeatureMonetary, FeatureDataUsageGB}

// FeatureOptions selects the raw columns used for feature derivation.
type FeatureOptions struct {
	NumericColumns     []string
	CategoricalColumns []string
}

// DefaultFeatureOptions returns the telecom customer schema.
func DefaultFeatureOptions() FeatureOptions {
	return FeatureOptions{
		NumericColumns:     []string{ColLastPurchaseDays, ColCallsMade, ColMonthlySpending, ColDataUsageGB},
		CategoricalColumns: []string{ColGender, ColRegion},
	}
}

// FeatureSet holds the derived features of every record in a Table.
type FeatureSet struct {
	// Names lists every derived column: the clustering features followed by one-hot flags.
	Names []string
	// Values is row-major, one slice per record, aligned with Names.
	Values [][]float64
	// FlagNames lists the one-hot columns in output order.
	FlagNames []string
	// References maps each categorical column to its dropped reference category.
	References map[string]string
	// Medians holds the imputation value used for each numeric raw column.
	Medians map[string]float64
	// Imputed counts the imputed cells per numeric raw column.
	Imputed map[string]int
}

// Len returns the number of records.
func (fs *FeatureSet) Len() int { return len(fs.Values) }

// Index returns the position of the named feature or -1.
func (fs *FeatureSet) Index(name string) int {
	for i, n := range fs.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Column copies one feature across all records.
func (fs *FeatureSet) Column(name string) []float64 {
	idx := fs.Index(name)
	if idx < 0 {
		return nil
	}
	col := make([]float64, len(fs.Values))
	for i, row := range fs.Values {
		col[i] = row[idx]
	}
	return col
}

// BuildFeatures derives Recency, Frequency, Monetary and DataUsageGB from the
// raw numeric columns and one-hot encodes the categorical ones. Missing
// numeric cells are imputed with the column median. The table is not modified.
func BuildFeatures(t *Table, opts FeatureOptions) (*FeatureSet, error) {
	if t == nil || t.Len() == 0 {
		return nil, ErrEmptyDataset
	}

	numIdx := make(map[string]int, len(opts.NumericColumns))
	for _, name := range opts.NumericColumns {
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		numIdx[name] = idx
	}
	catIdx := make(map[string]int, len(opts.CategoricalColumns))
	for _, name := range opts.CategoricalColumns {
		idx := t.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		catIdx[name] = idx
	}
	for _, name := range []string{ColLastPurchaseDays, ColCallsMade, ColMonthlySpending, ColDataUsageGB} {
		if _, ok := numIdx[name]; !ok {
			return nil, fmt.Errorf("%w: %s is required for feature derivation", ErrMissingColumn, name)
		}
	}

	fs := &FeatureSet{
		References: make(map[string]string, len(catIdx)),
		Medians:    make(map[string]float64, len(numIdx)),
		Imputed:    make(map[string]int, len(numIdx)),
	}

	numeric := make(map[string][]float64, len(numIdx))
	for _, name := range opts.NumericColumns {
		col, err := parseNumericColumn(t, name, numIdx[name])
		if err != nil {
			return nil, err
		}
		median, missing, err := imputeMedian(col)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		if missing > 0 {
			log.Printf("Imputed %d missing %s values with median %.4f", missing, name, median)
		}
		numeric[name] = col
		fs.Medians[name] = median
		fs.Imputed[name] = missing
	}

	type flag struct {
		column, category string
	}
	var flags []flag
	for _, name := range opts.CategoricalColumns {
		reference, cats := encodedCategories(t, catIdx[name])
		if reference != "" {
			fs.References[name] = reference
		}
		for _, cat := range cats {
			flags = append(flags, flag{column: name, category: cat})
			fs.FlagNames = append(fs.FlagNames, name+"_"+cat)
		}
	}

	fs.Names = append(append([]string{}, ClusteringFeatures...), fs.FlagNames...)
	fs.Values = make([][]float64, t.Len())
	for i, row := range t.Rows {
		v := make([]float64, len(fs.Names))
		v[0] = ObservationWindowDays - numeric[ColLastPurchaseDays][i]
		v[1] = numeric[ColCallsMade][i] / ObservationWindowDays
		v[2] = numeric[ColMonthlySpending][i]
		v[3] = numeric[ColDataUsageGB][i]
		for j, f := range flags {
			if strings.TrimSpace(cell(row, catIdx[f.column])) == f.category {
				v[len(ClusteringFeatures)+j] = 1
			}
		}
		fs.Values[i] = v
	}
	return fs, nil
}

// parseNumericColumn returns the column values with NaN for missing cells.
func parseNumericColumn(t *Table, name string, idx int) ([]float64, error) {
	col := make([]float64, t.Len())
	for i, row := range t.Rows {
		raw := strings.TrimSpace(cell(row, idx))
		if isMissing(raw) {
			col[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: row %d column %s: %q", ErrInvalidValue, i+1, name, raw)
		}
		col[i] = v
	}
	return col, nil
}

// imputeMedian replaces NaN entries in col with the median of the observed values.
func imputeMedian(col []float64) (median float64, missing int, err error) {
	observed := make([]float64, 0, len(col))
	for _, v := range col {
		if !math.IsNaN(v) {
			observed = append(observed, v)
		}
	}
	if len(observed) == 0 {
		return 0, len(col), fmt.Errorf("%w: no observed values", ErrMissingColumn)
	}
	sort.Float64s(observed)
	n := len(observed)
	if n%2 == 1 {
		median = observed[n/2]
	} else {
		median = (observed[n/2-1] + observed[n/2]) / 2
	}
	for i, v := range col {
		if math.IsNaN(v) {
			col[i] = median
			missing++
		}
	}
	return median, missing, nil
}

// encodedCategories returns the first sorted category of a column as the
// reference level and the remaining ones, which get indicator columns.
func encodedCategories(t *Table, idx int) (string, []string) {
	seen := make(map[string]bool)
	for _, row := range t.Rows {
		v := strings.TrimSpace(cell(row, idx))
		if isMissing(v) {
			continue
		}
		seen[v] = true
	}
	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	if len(cats) == 0 {
		return "", nil
	}
	return cats[0], cats[1:]
}

func isMissing(s string) bool {
	switch strings.ToLower(s) {
	case "", "na", "n/a", "nan", "null", "none":
		return true
	}
	return false
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
