package storage

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"

	"github.com/TFMV/hdbdash/db"
)

// monthLayouts are tried in order when parsing the month column.
var monthLayouts = []string{
	"2006-01",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01",
	"2006/01/02",
}

// ReadCSV parses a transactions CSV with a header row into a table. The
// month column is converted from text to a calendar date; every column that
// is not a core column is kept as text.
func ReadCSV(r io.Reader) (*db.Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}

	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	schema, err := rawSchema(header)
	if err != nil {
		return nil, err
	}

	rdr := arrowcsv.NewReader(
		bytes.NewReader(data),
		schema,
		arrowcsv.WithHeader(true),
		arrowcsv.WithChunk(-1),
		arrowcsv.WithAllocator(db.Pool),
		arrowcsv.WithNullReader(true, "", "NA", "NaN"),
	)
	defer rdr.Release()

	var raw arrow.Record
	if rdr.Next() {
		raw = rdr.Record()
		raw.Retain()
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		if raw != nil {
			raw.Release()
		}
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}
	if raw == nil {
		bld := array.NewRecordBuilder(db.Pool, schema)
		raw = bld.NewRecord()
		bld.Release()
	}
	defer raw.Release()

	rec, err := convertMonth(raw)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	return db.NewTable(rec)
}

func readHeader(data []byte) ([]string, error) {
	cr := csv.NewReader(bytes.NewReader(data))
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("reading CSV header: file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header, nil
}

// rawSchema types the numeric core columns and reads everything else,
// month included, as text.
func rawSchema(header []string) (*arrow.Schema, error) {
	seen := make(map[string]bool, len(header))
	fields := make([]arrow.Field, len(header))
	for i, name := range header {
		if seen[name] {
			return nil, fmt.Errorf("duplicate CSV column %q", name)
		}
		seen[name] = true
		typ := arrow.DataType(arrow.BinaryTypes.String)
		if name == db.ColPrice || name == db.ColFloorArea {
			typ = arrow.PrimitiveTypes.Float64
		}
		fields[i] = arrow.Field{Name: name, Type: typ, Nullable: true}
	}
	for _, name := range db.RequiredColumns {
		if !seen[name] {
			return nil, fmt.Errorf("%w: %s", db.ErrMissingColumn, name)
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// convertMonth replaces the text month column with a Date32 column.
func convertMonth(raw arrow.Record) (arrow.Record, error) {
	idx := raw.Schema().FieldIndices(db.ColMonth)[0]
	text, ok := raw.Column(idx).(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", db.ErrColumnType, db.ColMonth, raw.Column(idx).DataType())
	}

	bld := array.NewDate32Builder(db.Pool)
	defer bld.Release()
	bld.Reserve(text.Len())
	for i := 0; i < text.Len(); i++ {
		if text.IsNull(i) {
			return nil, fmt.Errorf("row %d: empty %s", i+2, db.ColMonth)
		}
		t, err := ParseMonth(text.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		bld.Append(arrow.Date32FromTime(t))
	}
	months := bld.NewArray()
	defer months.Release()

	fields := append([]arrow.Field(nil), raw.Schema().Fields()...)
	fields[idx] = arrow.Field{Name: db.ColMonth, Type: arrow.FixedWidthTypes.Date32, Nullable: false}
	cols := append([]arrow.Array(nil), raw.Columns()...)
	cols[idx] = months

	return array.NewRecord(arrow.NewSchema(fields, nil), cols, raw.NumRows()), nil
}

// ParseMonth parses a month value such as "2017-01" or "2017-01-15" into a
// UTC date.
func ParseMonth(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s %q", db.ColMonth, s)
}
