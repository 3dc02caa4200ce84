package server

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/TFMV/hdbdash/query"
)

var printer = message.NewPrinter(language.English)

var funcs = template.FuncMap{
	"money": formatMoney,
	"count": func(n int) string { return printer.Sprintf("%d", n) },
	"area": func(m query.Metric) string {
		if !m.Valid() {
			return "n/a"
		}
		return printer.Sprintf("%.1f sqm", float64(m))
	},
	"monthLabel": func(t time.Time) string { return t.Format("Jan 2006") },
}

func formatMoney(m query.Metric) string {
	if !m.Valid() {
		return "n/a"
	}
	return printer.Sprintf("$%.0f", float64(m))
}

// page is the data the dashboard template renders.
type page struct {
	Options query.Options
	Form    form
	Result  *query.Result
	Error   string

	Header    []string
	Rows      [][]string
	Truncated bool

	TownBars []bar
	FlatBars []bar
	Trend    lineChart
}

// form mirrors the widget state back into the sidebar.
type form struct {
	Towns     map[string]bool
	FlatTypes map[string]bool
	PriceMin  string
	PriceMax  string
	DateStart string
	DateEnd   string
}

type bar struct {
	Label string
	Value string
	Pct   string
}

type lineChart struct {
	Width, Height int
	Points        string
	Markers       []marker
	YMin, YMax    string
	XFirst, XLast string
}

type marker struct {
	X, Y  string
	Label string
}

const (
	chartWidth   = 720
	chartHeight  = 260
	chartPadding = 40
)

func newPage(opts query.Options, f query.Filter, res *query.Result, rowLimit int) page {
	p := page{
		Options: opts,
		Form:    newForm(f),
		Result:  res,
	}
	if res == nil {
		return p
	}

	p.Header, p.Rows, p.Truncated = tableRows(res, rowLimit)

	var maxPrice float64
	for _, tp := range res.TownRanking {
		maxPrice = max(maxPrice, float64(tp.AveragePrice))
	}
	for _, tp := range res.TownRanking {
		p.TownBars = append(p.TownBars, bar{
			Label: tp.Town,
			Value: formatMoney(tp.AveragePrice),
			Pct:   percent(float64(tp.AveragePrice), maxPrice),
		})
	}

	var maxCount int
	for _, fc := range res.FlatTypeCounts {
		maxCount = max(maxCount, fc.Count)
	}
	for _, fc := range res.FlatTypeCounts {
		p.FlatBars = append(p.FlatBars, bar{
			Label: fc.FlatType,
			Value: printer.Sprintf("%d", fc.Count),
			Pct:   percent(float64(fc.Count), float64(maxCount)),
		})
	}

	p.Trend = newLineChart(res.MonthlyTrend)
	return p
}

func newForm(f query.Filter) form {
	fm := form{
		Towns:     make(map[string]bool, len(f.Towns)),
		FlatTypes: make(map[string]bool, len(f.FlatTypes)),
	}
	for _, t := range f.Towns {
		fm.Towns[t] = true
	}
	for _, ft := range f.FlatTypes {
		fm.FlatTypes[ft] = true
	}
	if f.Price != nil {
		fm.PriceMin = fmt.Sprintf("%.0f", f.Price.Min)
		fm.PriceMax = fmt.Sprintf("%.0f", f.Price.Max)
	}
	if len(f.Dates) > 0 {
		fm.DateStart = f.Dates[0].Format("2006-01")
	}
	if len(f.Dates) > 1 {
		fm.DateEnd = f.Dates[1].Format("2006-01")
	}
	return fm
}

func percent(v, maxV float64) string {
	if maxV <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.1f", v/maxV*100)
}

// newLineChart lays the trend out in SVG user space, one marker per month.
func newLineChart(trend []query.MonthlyPrice) lineChart {
	c := lineChart{Width: chartWidth, Height: chartHeight}
	if len(trend) == 0 {
		return c
	}

	lo, hi := float64(trend[0].MedianPrice), float64(trend[0].MedianPrice)
	for _, pt := range trend[1:] {
		lo = min(lo, float64(pt.MedianPrice))
		hi = max(hi, float64(pt.MedianPrice))
	}

	plotW := float64(chartWidth - 2*chartPadding)
	plotH := float64(chartHeight - 2*chartPadding)
	points := make([]string, 0, len(trend))
	for i, pt := range trend {
		x := float64(chartPadding) + plotW/2
		if len(trend) > 1 {
			x = float64(chartPadding) + plotW*float64(i)/float64(len(trend)-1)
		}
		y := float64(chartPadding) + plotH/2
		if hi > lo {
			y = float64(chartPadding) + plotH*(1-(float64(pt.MedianPrice)-lo)/(hi-lo))
		}
		xs, ys := fmt.Sprintf("%.1f", x), fmt.Sprintf("%.1f", y)
		points = append(points, xs+","+ys)
		c.Markers = append(c.Markers, marker{
			X:     xs,
			Y:     ys,
			Label: pt.Month.Format("Jan 2006") + ": " + formatMoney(pt.MedianPrice),
		})
	}

	c.Points = strings.Join(points, " ")
	c.YMin = formatMoney(query.Metric(lo))
	c.YMax = formatMoney(query.Metric(hi))
	c.XFirst = trend[0].Month.Format("Jan 2006")
	c.XLast = trend[len(trend)-1].Month.Format("Jan 2006")
	return c
}
