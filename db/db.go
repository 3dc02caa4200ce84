// Package db holds the immutable in-memory transaction table and the row
// subsets (views) derived from it.
package db

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TFMV/hdbdash/index"
)

var (
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("missing required column")
	// ErrColumnType is returned when a required column has the wrong type.
	ErrColumnType = errors.New("unexpected column type")
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	buildLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "hdbdash_table_build_seconds",
		Help: "Time spent validating and indexing a loaded table",
	})
	loadedRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hdbdash_table_rows",
		Help: "Rows in the most recently built transaction table",
	})
)

func init() {
	prometheus.MustRegister(buildLatency, loadedRows)
}

// Statistics holds the observed bounds and distinct categories of a table.
// Nulls are ignored; PriceMin/PriceMax are NaN when no price is present.
type Statistics struct {
	PriceMin  float64
	PriceMax  float64
	MonthMin  time.Time
	MonthMax  time.Time
	Towns     []string
	FlatTypes []string
}

// ---------------------------------------------------------------------
// Table: the immutable transaction table
// ---------------------------------------------------------------------

// Table wraps a single Arrow record holding every transaction. It is never
// mutated after NewTable returns and is safe for concurrent readers.
type Table struct {
	record arrow.Record

	month    *array.Date32
	town     *array.String
	flatType *array.String
	price    *array.Float64
	area     *array.Float64

	indexes *index.IndexManager
	stats   Statistics
	all     *roaring.Bitmap
}

// NewTable validates the record schema and indexes the filterable columns.
// The table retains the record; the caller keeps its own reference.
func NewTable(rec arrow.Record) (*Table, error) {
	start := time.Now()

	if rec.NumRows() > math.MaxUint32 {
		return nil, fmt.Errorf("table too large: %d rows", rec.NumRows())
	}

	cols := make(map[string]arrow.Array, len(RequiredColumns))
	for _, name := range RequiredColumns {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
		col := rec.Column(idx[0])
		if !arrow.TypeEqual(col.DataType(), CoreTypes[name]) {
			return nil, fmt.Errorf("%w: %s is %s, want %s", ErrColumnType, name, col.DataType(), CoreTypes[name])
		}
		cols[name] = col
	}

	rec.Retain()
	t := &Table{
		record:   rec,
		month:    cols[ColMonth].(*array.Date32),
		town:     cols[ColTown].(*array.String),
		flatType: cols[ColFlatType].(*array.String),
		price:    cols[ColPrice].(*array.Float64),
		area:     cols[ColFloorArea].(*array.Float64),
		indexes:  index.NewIndexManager(),
		all:      roaring.New(),
	}
	t.all.AddRange(0, uint64(rec.NumRows()))

	if err := t.buildIndexes(); err != nil {
		rec.Release()
		return nil, err
	}

	buildLatency.Observe(time.Since(start).Seconds())
	loadedRows.Set(float64(rec.NumRows()))
	return t, nil
}

func (t *Table) buildIndexes() error {
	townIdx, err := t.indexes.CreateIndex(ColTown, index.RoaringBitmap)
	if err != nil {
		return err
	}
	flatIdx, err := t.indexes.CreateIndex(ColFlatType, index.RoaringBitmap)
	if err != nil {
		return err
	}
	priceIdx, err := t.indexes.CreateIndex(ColPrice, index.SortedColumn)
	if err != nil {
		return err
	}
	monthIdx, err := t.indexes.CreateIndex(ColMonth, index.SortedColumn)
	if err != nil {
		return err
	}

	stats := Statistics{PriceMin: math.NaN(), PriceMax: math.NaN()}
	towns := make(map[string]struct{})
	flats := make(map[string]struct{})
	var minDay, maxDay arrow.Date32
	haveMonth := false

	for i := 0; i < int(t.record.NumRows()); i++ {
		row := uint32(i)
		if t.town.IsValid(i) {
			v := t.town.Value(i)
			if err := townIdx.Add(row, v); err != nil {
				return err
			}
			towns[v] = struct{}{}
		}
		if t.flatType.IsValid(i) {
			v := t.flatType.Value(i)
			if err := flatIdx.Add(row, v); err != nil {
				return err
			}
			flats[v] = struct{}{}
		}
		if t.price.IsValid(i) && !math.IsNaN(t.price.Value(i)) {
			p := t.price.Value(i)
			if err := priceIdx.Add(row, p); err != nil {
				return err
			}
			if math.IsNaN(stats.PriceMin) || p < stats.PriceMin {
				stats.PriceMin = p
			}
			if math.IsNaN(stats.PriceMax) || p > stats.PriceMax {
				stats.PriceMax = p
			}
		}
		if t.month.IsValid(i) {
			d := t.month.Value(i)
			if err := monthIdx.Add(row, int32(d)); err != nil {
				return err
			}
			if !haveMonth || d < minDay {
				minDay = d
			}
			if !haveMonth || d > maxDay {
				maxDay = d
			}
			haveMonth = true
		}
	}

	if haveMonth {
		stats.MonthMin = minDay.ToTime()
		stats.MonthMax = maxDay.ToTime()
	}
	stats.Towns = sortedKeys(towns)
	stats.FlatTypes = sortedKeys(flats)
	t.stats = stats
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Record returns the underlying Arrow record. It must not be released by
// the caller.
func (t *Table) Record() arrow.Record { return t.record }

// Schema returns the table schema.
func (t *Table) Schema() *arrow.Schema { return t.record.Schema() }

// NumRows returns the number of transactions.
func (t *Table) NumRows() int { return int(t.record.NumRows()) }

// NumCols returns the number of columns, pass-through columns included.
func (t *Table) NumCols() int { return int(t.record.NumCols()) }

// Stats returns a copy of the table statistics.
func (t *Table) Stats() Statistics {
	s := t.stats
	s.Towns = append([]string(nil), t.stats.Towns...)
	s.FlatTypes = append([]string(nil), t.stats.FlatTypes...)
	return s
}

// Index returns the index built for column with the given strategy.
func (t *Table) Index(column string, strategy index.Strategy) (index.Index, bool) {
	return t.indexes.GetIndex(column, strategy)
}

// Town returns the town of row and whether it is non-null.
func (t *Table) Town(row uint32) (string, bool) {
	i := int(row)
	if t.town.IsNull(i) {
		return "", false
	}
	return t.town.Value(i), true
}

// FlatType returns the flat type of row and whether it is non-null.
func (t *Table) FlatType(row uint32) (string, bool) {
	i := int(row)
	if t.flatType.IsNull(i) {
		return "", false
	}
	return t.flatType.Value(i), true
}

// Price returns the resale price of row and whether it is usable.
func (t *Table) Price(row uint32) (float64, bool) {
	i := int(row)
	if t.price.IsNull(i) || math.IsNaN(t.price.Value(i)) {
		return 0, false
	}
	return t.price.Value(i), true
}

// FloorArea returns the floor area of row and whether it is usable.
func (t *Table) FloorArea(row uint32) (float64, bool) {
	i := int(row)
	if t.area.IsNull(i) || math.IsNaN(t.area.Value(i)) {
		return 0, false
	}
	return t.area.Value(i), true
}

// Month returns the transaction month of row.
func (t *Table) Month(row uint32) time.Time {
	return t.month.Value(int(row)).ToTime()
}

// Cell renders any column of row as text, for display.
func (t *Table) Cell(row uint32, col int) string {
	arr := t.record.Column(col)
	if arr.IsNull(int(row)) {
		return ""
	}
	switch a := arr.(type) {
	case *array.Date32:
		return a.Value(int(row)).ToTime().Format("2006-01")
	case *array.Float64:
		return strconv.FormatFloat(a.Value(int(row)), 'f', -1, 64)
	default:
		return arr.ValueStr(int(row))
	}
}

// Close releases the underlying record.
func (t *Table) Close() {
	if t.record != nil {
		t.record.Release()
		t.record = nil
	}
}
