package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/TFMV/hdbdash/query"
	"github.com/TFMV/hdbdash/storage"
)

// Query parameters understood by / and /api/view.
const (
	paramTown      = "town"
	paramFlatType  = "flat_type"
	paramPriceMin  = "price_min"
	paramPriceMax  = "price_max"
	paramDateStart = "date_start"
	paramDateEnd   = "date_end"
	paramLimit     = "limit"
)

var errBadParam = errors.New("bad parameter")

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Rows   int    `json:"rows"`
}

type viewResponse struct {
	*query.Result
	Filter    query.Filter `json:"filter"`
	Header    []string     `json:"header"`
	Data      [][]string   `json:"data"`
	Truncated bool         `json:"truncated"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, healthResponse{Status: "ok", Rows: s.dash.Table().NumRows()})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.dash.Options())
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r, s.dash.DefaultFilter())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	limit := s.rowLimit
	if v := r.URL.Query().Get(paramLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.renderError(w, r, fmt.Errorf("%w: %s=%q", errBadParam, paramLimit, v))
			return
		}
		limit = n
	}

	res, err := s.compute(r.Context(), f)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	header, data, truncated := tableRows(res, limit)
	render.JSON(w, r, viewResponse{
		Result:    res,
		Filter:    f,
		Header:    header,
		Data:      data,
		Truncated: truncated,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	opts := s.dash.Options()
	f, err := parseFilter(r, s.dash.DefaultFilter())
	status := http.StatusOK

	var res *query.Result
	if err == nil {
		res, err = s.compute(r.Context(), f)
	}
	if err != nil {
		status = statusFor(err)
		s.logger.Warn("dashboard request rejected", zap.Error(err))
	}

	page := newPage(opts, f, res, s.rowLimit)
	if err != nil {
		page.Error = err.Error()
	}

	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, "dashboard.html", page); err != nil {
		s.logger.Error("render dashboard", zap.Error(err))
		http.Error(w, "failed to render dashboard", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) compute(ctx context.Context, f query.Filter) (*query.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return s.dash.Compute(ctx, f)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadParam), errors.Is(err, query.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseFilter overlays the request parameters on defaults. Absent price
// bounds keep the default bounds. When neither date is given the default
// date range is kept; a single date yields a one-element range, which the
// planner ignores.
func parseFilter(r *http.Request, defaults query.Filter) (query.Filter, error) {
	q := r.URL.Query()
	f := query.Filter{
		Towns:     nonEmpty(q[paramTown]),
		FlatTypes: nonEmpty(q[paramFlatType]),
		Dates:     append([]time.Time(nil), defaults.Dates...),
	}
	if defaults.Price != nil {
		p := *defaults.Price
		f.Price = &p
	} else {
		f.Price = &query.PriceRange{Min: -math.MaxFloat64, Max: math.MaxFloat64}
	}
	if v := strings.TrimSpace(q.Get(paramPriceMin)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return query.Filter{}, fmt.Errorf("%w: %s=%q", errBadParam, paramPriceMin, v)
		}
		f.Price.Min = n
	}
	if v := strings.TrimSpace(q.Get(paramPriceMax)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return query.Filter{}, fmt.Errorf("%w: %s=%q", errBadParam, paramPriceMax, v)
		}
		f.Price.Max = n
	}

	start := strings.TrimSpace(q.Get(paramDateStart))
	end := strings.TrimSpace(q.Get(paramDateEnd))
	if start == "" && end == "" {
		return f, nil
	}
	f.Dates = f.Dates[:0]
	for _, d := range []struct{ name, value string }{{paramDateStart, start}, {paramDateEnd, end}} {
		if d.value == "" {
			continue
		}
		t, err := storage.ParseMonth(d.value)
		if err != nil {
			return query.Filter{}, fmt.Errorf("%w: %s=%q", errBadParam, d.name, d.value)
		}
		f.Dates = append(f.Dates, t)
	}
	return f, nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// tableRows renders up to limit rows of the view as text. A limit of zero
// renders every row.
func tableRows(res *query.Result, limit int) (header []string, data [][]string, truncated bool) {
	t := res.View.Table()
	for _, f := range t.Schema().Fields() {
		header = append(header, f.Name)
	}

	n := -1
	if limit > 0 {
		n = limit
	}
	rows := res.View.Head(n)
	data = make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(header))
		for col := range header {
			cells[col] = t.Cell(row, col)
		}
		data = append(data, cells)
	}
	return header, data, len(rows) < res.View.Len()
}
