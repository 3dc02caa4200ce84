package query

import (
	"context"

	"github.com/TFMV/hdbdash/db"
)

// Result is everything the dashboard renders for one filter.
type Result struct {
	View              *db.View        `json:"-"`
	Rows              int             `json:"rows"`
	Columns           int             `json:"columns"`
	DateFilterSkipped bool            `json:"date_filter_skipped"`
	KPIs              KPIs            `json:"kpis"`
	TownRanking       []TownPrice     `json:"town_ranking"`
	FlatTypeCounts    []FlatTypeCount `json:"flat_type_counts"`
	MonthlyTrend      []MonthlyPrice  `json:"monthly_trend"`
}

// Compute runs f against the whole table and summarizes the resulting view.
// topTowns bounds the town ranking; zero or less uses DefaultTopTowns.
func (p *Planner) Compute(ctx context.Context, f Filter, topTowns int) (*Result, error) {
	if topTowns <= 0 {
		topTowns = DefaultTopTowns
	}
	plan, err := p.Plan(f)
	if err != nil {
		return nil, err
	}
	view, err := p.Execute(ctx, plan, p.table.All())
	if err != nil {
		return nil, err
	}
	return &Result{
		View:              view,
		Rows:              view.Len(),
		Columns:           p.table.NumCols(),
		DateFilterSkipped: plan.DateSkipped,
		KPIs:              ComputeKPIs(view),
		TownRanking:       RankTowns(view, topTowns),
		FlatTypeCounts:    CountFlatTypes(view),
		MonthlyTrend:      MonthlyTrend(view),
	}, nil
}
