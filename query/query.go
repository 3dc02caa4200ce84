package query

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/TFMV/hdbdash/db"
)

// DefaultPriceStep is the granularity of the price slider.
const DefaultPriceStep = 10000

// DefaultTopTowns is how many towns the ranking keeps.
const DefaultTopTowns = 10

// ErrInvalidRange is returned when a lower bound exceeds its upper bound.
var ErrInvalidRange = errors.New("invalid range")

// PriceRange is an inclusive resale price interval.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Filter is the widget state driving one recomputation. Empty Towns or
// FlatTypes select everything. A nil Price means the full observed range.
// Dates holds zero, one or two values; the month predicate applies only
// when both ends are present.
type Filter struct {
	Towns     []string    `json:"towns,omitempty"`
	FlatTypes []string    `json:"flat_types,omitempty"`
	Price     *PriceRange `json:"price,omitempty"`
	Dates     []time.Time `json:"dates,omitempty"`
}

// Validate rejects inverted ranges and more than two dates.
func (f Filter) Validate() error {
	if f.Price != nil {
		if math.IsNaN(f.Price.Min) || math.IsNaN(f.Price.Max) {
			return fmt.Errorf("%w: price bound is NaN", ErrInvalidRange)
		}
		if f.Price.Min > f.Price.Max {
			return fmt.Errorf("%w: price min %.0f > max %.0f", ErrInvalidRange, f.Price.Min, f.Price.Max)
		}
	}
	switch len(f.Dates) {
	case 0, 1:
	case 2:
		if f.Dates[0].After(f.Dates[1]) {
			return fmt.Errorf("%w: start %s after end %s", ErrInvalidRange,
				f.Dates[0].Format(time.DateOnly), f.Dates[1].Format(time.DateOnly))
		}
	default:
		return fmt.Errorf("%w: %d dates given, want at most 2", ErrInvalidRange, len(f.Dates))
	}
	return nil
}

// Options are the widget bounds derived from a table.
type Options struct {
	Towns     []string  `json:"towns"`
	FlatTypes []string  `json:"flat_types"`
	PriceMin  int64     `json:"price_min"`
	PriceMax  int64     `json:"price_max"`
	PriceStep int64     `json:"price_step"`
	MonthMin  time.Time `json:"month_min"`
	MonthMax  time.Time `json:"month_max"`
}

// OptionsFor derives the widget bounds of t. Price bounds are widened to
// whole dollars so the full range always contains every price.
func OptionsFor(t *db.Table) Options {
	stats := t.Stats()
	o := Options{
		Towns:     stats.Towns,
		FlatTypes: stats.FlatTypes,
		PriceStep: DefaultPriceStep,
		MonthMin:  stats.MonthMin,
		MonthMax:  stats.MonthMax,
	}
	if !math.IsNaN(stats.PriceMin) {
		o.PriceMin = int64(math.Floor(stats.PriceMin))
		o.PriceMax = int64(math.Ceil(stats.PriceMax))
	}
	return o
}

// DefaultFilter selects nothing, spans the full price range and the full
// month range.
func (o Options) DefaultFilter() Filter {
	f := Filter{
		Price: &PriceRange{Min: float64(o.PriceMin), Max: float64(o.PriceMax)},
	}
	if !o.MonthMin.IsZero() {
		f.Dates = []time.Time{o.MonthMin, o.MonthMax}
	}
	return f
}
