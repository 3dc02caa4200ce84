package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TFMV/hdbdash/db"
	"github.com/TFMV/hdbdash/index"
)

var (
	filterLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "hdbdash_filter_seconds",
		Help: "Filter pipeline latency distribution",
	})
	viewRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hdbdash_view_rows",
		Help:    "Rows in filtered views",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(filterLatency, viewRows)
}

// Operator is the comparison a predicate performs.
type Operator int

const (
	// In keeps rows whose value is one of Values.
	In Operator = iota
	// Between keeps rows whose value lies in [Lo, Hi].
	Between
)

// Predicate is one narrowing step of a plan.
type Predicate struct {
	Column   string
	Operator Operator
	Values   []interface{}
	Lo, Hi   interface{}
}

// Plan is the ordered list of predicates a filter turns into.
type Plan struct {
	Predicates []Predicate
	// DateSkipped is set when a single date was given and the month
	// predicate was left out.
	DateSkipped bool
}

// Planner turns filters into plans over one table and runs them against
// the table's indexes.
type Planner struct {
	table *db.Table
}

// NewPlanner creates a query planner for t.
func NewPlanner(t *db.Table) *Planner {
	return &Planner{table: t}
}

// Table returns the table the planner works on.
func (p *Planner) Table() *db.Table { return p.table }

// Plan validates f and builds its predicates in pipeline order: towns,
// flat types, price, month.
func (p *Planner) Plan(f Filter) (*Plan, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	plan := &Plan{}
	if len(f.Towns) > 0 {
		plan.Predicates = append(plan.Predicates, Predicate{
			Column: db.ColTown, Operator: In, Values: stringValues(f.Towns),
		})
	}
	if len(f.FlatTypes) > 0 {
		plan.Predicates = append(plan.Predicates, Predicate{
			Column: db.ColFlatType, Operator: In, Values: stringValues(f.FlatTypes),
		})
	}

	price := PriceRange{Min: math.Inf(-1), Max: math.Inf(1)}
	if f.Price != nil {
		price = *f.Price
	}
	plan.Predicates = append(plan.Predicates, Predicate{
		Column: db.ColPrice, Operator: Between, Lo: price.Min, Hi: price.Max,
	})

	switch len(f.Dates) {
	case 2:
		plan.Predicates = append(plan.Predicates, Predicate{
			Column:   db.ColMonth,
			Operator: Between,
			Lo:       dayOf(f.Dates[0]),
			Hi:       dayOf(f.Dates[1]),
		})
	case 1:
		plan.DateSkipped = true
	}
	return plan, nil
}

// Execute narrows base by every predicate of plan. base is not modified and
// the returned view keeps the source row order.
func (p *Planner) Execute(ctx context.Context, plan *Plan, base *db.View) (*db.View, error) {
	if base.Table() != p.table {
		return nil, fmt.Errorf("view belongs to a different table")
	}
	start := time.Now()

	rows := base.Bitmap()
	for _, pred := range plan.Predicates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rows.IsEmpty() {
			break
		}
		match, err := p.lookup(pred)
		if err != nil {
			return nil, err
		}
		rows.And(match)
	}

	view, err := p.table.NewView(rows)
	if err != nil {
		return nil, err
	}
	filterLatency.Observe(time.Since(start).Seconds())
	viewRows.Observe(float64(view.Len()))
	return view, nil
}

func (p *Planner) lookup(pred Predicate) (*roaring.Bitmap, error) {
	switch pred.Operator {
	case In:
		idx, ok := p.table.Index(pred.Column, index.RoaringBitmap)
		if !ok {
			return nil, fmt.Errorf("no bitmap index on %s", pred.Column)
		}
		out := roaring.New()
		for _, v := range pred.Values {
			bm, err := idx.Search(v)
			if err != nil {
				return nil, fmt.Errorf("search %s: %w", pred.Column, err)
			}
			out.Or(bm)
		}
		return out, nil
	case Between:
		idx, ok := p.table.Index(pred.Column, index.SortedColumn)
		if !ok {
			return nil, fmt.Errorf("no sorted index on %s", pred.Column)
		}
		ri, ok := idx.(index.RangeIndex)
		if !ok {
			return nil, fmt.Errorf("index on %s does not support ranges", pred.Column)
		}
		bm, err := ri.SearchRange(pred.Lo, pred.Hi)
		if err != nil {
			return nil, fmt.Errorf("range %s: %w", pred.Column, err)
		}
		return bm, nil
	default:
		return nil, fmt.Errorf("unsupported operator %d", pred.Operator)
	}
}

// Apply plans f and runs it against base.
func (p *Planner) Apply(ctx context.Context, base *db.View, f Filter) (*db.View, error) {
	plan, err := p.Plan(f)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, plan, base)
}

func stringValues(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// dayOf matches the key type the month index is built with.
func dayOf(t time.Time) int32 {
	y, m, d := t.Date()
	return int32(arrow.Date32FromTime(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)))
}
