package db

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// View is a subset of a table's rows. Rows are kept in a bitmap, so they
// are always visited in source order and never duplicated.
type View struct {
	table *Table
	rows  *roaring.Bitmap
}

// All returns the view holding every row of the table.
func (t *Table) All() *View {
	return &View{table: t, rows: t.all}
}

// NewView wraps rows as a view of t. The bitmap is copied.
func (t *Table) NewView(rows *roaring.Bitmap) (*View, error) {
	if !rows.IsEmpty() && uint64(rows.Maximum()) >= uint64(t.NumRows()) {
		return nil, fmt.Errorf("row %d out of range for table of %d rows", rows.Maximum(), t.NumRows())
	}
	return &View{table: t, rows: rows.Clone()}, nil
}

// Table returns the table the view belongs to.
func (v *View) Table() *Table { return v.table }

// Len returns the number of rows in the view.
func (v *View) Len() int { return int(v.rows.GetCardinality()) }

// Rows returns the row ids in ascending order.
func (v *View) Rows() []uint32 { return v.rows.ToArray() }

// Bitmap returns a copy of the row bitmap.
func (v *View) Bitmap() *roaring.Bitmap { return v.rows.Clone() }

// Contains reports whether row is part of the view.
func (v *View) Contains(row uint32) bool { return v.rows.Contains(row) }

// Head returns at most n row ids in ascending order. A negative n returns
// every row.
func (v *View) Head(n int) []uint32 {
	if n < 0 || n >= v.Len() {
		return v.Rows()
	}
	out := make([]uint32, 0, n)
	it := v.rows.Iterator()
	for len(out) < n && it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}

// Each calls fn for every row in ascending order.
func (v *View) Each(fn func(row uint32)) {
	it := v.rows.Iterator()
	for it.HasNext() {
		fn(it.Next())
	}
}

// Equal reports whether both views select the same rows of the same table.
func (v *View) Equal(o *View) bool {
	return v.table == o.table && v.rows.Equals(o.rows)
}

// SubsetOf reports whether every row of v is also in o.
func (v *View) SubsetOf(o *View) bool {
	return v.table == o.table && roaring.AndNot(v.rows, o.rows).IsEmpty()
}

// Record materializes the view as a new Arrow record with every column of
// the table, rows in source order. The caller releases it.
func (v *View) Record(ctx context.Context) (arrow.Record, error) {
	n := v.table.NumRows()
	mask := make([]bool, n)
	v.Each(func(row uint32) { mask[row] = true })

	bld := array.NewBooleanBuilder(Pool)
	defer bld.Release()
	bld.AppendValues(mask, nil)
	filter := bld.NewArray()
	defer filter.Release()

	rec, err := compute.FilterRecordBatch(ctx, v.table.record, filter, compute.DefaultFilterOptions())
	if err != nil {
		return nil, fmt.Errorf("materialize view: %w", err)
	}
	return rec, nil
}
