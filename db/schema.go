package db

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Pool is the Go memory allocator used by Arrow.
var Pool = memory.NewGoAllocator()

// Column names every transaction table must carry.
const (
	ColMonth     = "month"
	ColTown      = "town"
	ColFlatType  = "flat_type"
	ColPrice     = "resale_price"
	ColFloorArea = "floor_area_sqm"
)

// CoreTypes maps the required columns to their Arrow type after loading.
// Any other column is passed through as utf8.
var CoreTypes = map[string]arrow.DataType{
	ColMonth:     arrow.FixedWidthTypes.Date32,
	ColTown:      arrow.BinaryTypes.String,
	ColFlatType:  arrow.BinaryTypes.String,
	ColPrice:     arrow.PrimitiveTypes.Float64,
	ColFloorArea: arrow.PrimitiveTypes.Float64,
}

// RequiredColumns lists the core columns in a fixed order for error messages.
var RequiredColumns = []string{ColMonth, ColTown, ColFlatType, ColPrice, ColFloorArea}
