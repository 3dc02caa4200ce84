package query

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/TFMV/hdbdash/db"
)

// Metric is a summary value that may be undefined. Undefined metrics hold
// NaN and encode as JSON null.
type Metric float64

// Undefined is the value of a metric computed over no data.
var Undefined = Metric(math.NaN())

// Valid reports whether m holds a number.
func (m Metric) Valid() bool { return !math.IsNaN(float64(m)) }

// MarshalJSON encodes NaN as null.
func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(m))
}

// UnmarshalJSON decodes null as NaN.
func (m *Metric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = Undefined
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

// KPIs are the headline figures of a view.
type KPIs struct {
	Transactions    int    `json:"transactions"`
	AveragePrice    Metric `json:"average_price"`
	MedianPrice     Metric `json:"median_price"`
	MedianFloorArea Metric `json:"median_floor_area"`
}

// TownPrice is one row of the town ranking.
type TownPrice struct {
	Town         string `json:"town"`
	AveragePrice Metric `json:"average_price"`
}

// FlatTypeCount is one bar of the flat type distribution.
type FlatTypeCount struct {
	FlatType string `json:"flat_type"`
	Count    int    `json:"count"`
}

// MonthlyPrice is one point of the price trend.
type MonthlyPrice struct {
	Month       time.Time `json:"month"`
	MedianPrice Metric    `json:"median_price"`
}

// ComputeKPIs summarizes v. Null prices and areas are left out of their
// respective figures; the count covers every row.
func ComputeKPIs(v *db.View) KPIs {
	t := v.Table()
	prices := make([]float64, 0, v.Len())
	areas := make([]float64, 0, v.Len())
	v.Each(func(row uint32) {
		if p, ok := t.Price(row); ok {
			prices = append(prices, p)
		}
		if a, ok := t.FloorArea(row); ok {
			areas = append(areas, a)
		}
	})
	return KPIs{
		Transactions:    v.Len(),
		AveragePrice:    mean(prices),
		MedianPrice:     median(prices),
		MedianFloorArea: median(areas),
	}
}

// RankTowns returns up to limit towns ordered by average price, highest
// first. Towns with equal averages keep the order they first appear in.
// A limit of zero or less keeps every town.
func RankTowns(v *db.View, limit int) []TownPrice {
	t := v.Table()
	type acc struct {
		sum   float64
		count int
	}
	var order []string
	groups := make(map[string]*acc)
	v.Each(func(row uint32) {
		town, ok := t.Town(row)
		if !ok {
			return
		}
		g, seen := groups[town]
		if !seen {
			g = &acc{}
			groups[town] = g
			order = append(order, town)
		}
		if p, ok := t.Price(row); ok {
			g.sum += p
			g.count++
		}
	})

	out := make([]TownPrice, 0, len(order))
	for _, town := range order {
		g := groups[town]
		if g.count == 0 {
			continue
		}
		out = append(out, TownPrice{Town: town, AveragePrice: Metric(g.sum / float64(g.count))})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AveragePrice > out[j].AveragePrice
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountFlatTypes returns the number of rows per flat type, most frequent
// first. Ties keep first-appearance order.
func CountFlatTypes(v *db.View) []FlatTypeCount {
	t := v.Table()
	var out []FlatTypeCount
	pos := make(map[string]int)
	v.Each(func(row uint32) {
		ft, ok := t.FlatType(row)
		if !ok {
			return
		}
		i, seen := pos[ft]
		if !seen {
			i = len(out)
			pos[ft] = i
			out = append(out, FlatTypeCount{FlatType: ft})
		}
		out[i].Count++
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// MonthlyTrend returns the median price of each month present in v, in
// ascending month order. Months without a usable price are omitted.
func MonthlyTrend(v *db.View) []MonthlyPrice {
	t := v.Table()
	byMonth := make(map[time.Time][]float64)
	v.Each(func(row uint32) {
		p, ok := t.Price(row)
		if !ok {
			return
		}
		m := t.Month(row)
		byMonth[m] = append(byMonth[m], p)
	})

	out := make([]MonthlyPrice, 0, len(byMonth))
	for m, prices := range byMonth {
		out = append(out, MonthlyPrice{Month: m, MedianPrice: median(prices)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

func mean(xs []float64) Metric {
	if len(xs) == 0 {
		return Undefined
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return Metric(sum / float64(len(xs)))
}

// median sorts xs in place.
func median(xs []float64) Metric {
	n := len(xs)
	if n == 0 {
		return Undefined
	}
	sort.Float64s(xs)
	if n%2 == 1 {
		return Metric(xs[n/2])
	}
	return Metric((xs[n/2-1] + xs[n/2]) / 2)
}
