package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TFMV/hdbdash"
	"github.com/TFMV/hdbdash/config"
	"github.com/TFMV/hdbdash/query"
)

const resaleCSV = `month,town,flat_type,block,floor_area_sqm,resale_price
2017-01,ANG MO KIO,3 ROOM,406,67,250000
2017-01,BEDOK,4 ROOM,216A,92,350000
2017-02,ANG MO KIO,4 ROOM,108,91,400000
2017-02,TAMPINES,5 ROOM,880,120,500000
2017-03,BEDOK,3 ROOM,12,64,260000
2017-03,TAMPINES,4 ROOM,301,95,350000
`

func newTestServer(t *testing.T, rowLimit int) *Server {
	t.Helper()
	return newTestServerWith(t, resaleCSV, rowLimit)
}

func newTestServerWith(t *testing.T, data string, rowLimit int) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resale.csv")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg := config.Default()
	cfg.Data.Path = path
	dash, err := hdbdash.Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { dash.Close() })

	srv, err := New(dash, rowLimit, zaptest.NewLogger(t))
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

type viewBody struct {
	Rows              int                   `json:"rows"`
	Columns           int                   `json:"columns"`
	DateFilterSkipped bool                  `json:"date_filter_skipped"`
	KPIs              query.KPIs            `json:"kpis"`
	TownRanking       []query.TownPrice     `json:"town_ranking"`
	FlatTypeCounts    []query.FlatTypeCount `json:"flat_type_counts"`
	MonthlyTrend      []query.MonthlyPrice  `json:"monthly_trend"`
	Header            []string              `json:"header"`
	Data              [][]string            `json:"data"`
	Truncated         bool                  `json:"truncated"`
}

func getView(t *testing.T, h http.Handler, params url.Values) viewBody {
	t.Helper()
	rec := get(t, h, "/api/view?"+params.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var body viewBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAPIViewDefaults(t *testing.T) {
	srv := newTestServer(t, 0)

	body := getView(t, srv, nil)
	assert.Equal(t, 6, body.Rows)
	assert.Equal(t, 6, body.Columns)
	assert.Equal(t, 6, body.KPIs.Transactions)
	assert.Equal(t, []string{"month", "town", "flat_type", "block", "floor_area_sqm", "resale_price"}, body.Header)
	require.Len(t, body.Data, 6)
	assert.Equal(t, []string{"2017-01", "BEDOK", "4 ROOM", "216A", "92", "350000"}, body.Data[1])
	assert.False(t, body.Truncated)
	assert.Len(t, body.MonthlyTrend, 3)
}

func TestAPIViewFilters(t *testing.T) {
	srv := newTestServer(t, 0)

	body := getView(t, srv, url.Values{paramTown: {"ANG MO KIO"}})
	assert.Equal(t, 2, body.Rows)
	require.Len(t, body.TownRanking, 1)
	assert.Equal(t, "ANG MO KIO", body.TownRanking[0].Town)

	body = getView(t, srv, url.Values{
		paramFlatType: {"4 ROOM", "5 ROOM"},
		paramPriceMin: {"360000"},
	})
	assert.Equal(t, 2, body.Rows)
	assert.Equal(t, []query.FlatTypeCount{{FlatType: "4 ROOM", Count: 1}, {FlatType: "5 ROOM", Count: 1}}, body.FlatTypeCounts)

	body = getView(t, srv, url.Values{paramDateStart: {"2017-02"}, paramDateEnd: {"2017-02"}})
	assert.Equal(t, 2, body.Rows)
	assert.False(t, body.DateFilterSkipped)

	body = getView(t, srv, url.Values{paramDateStart: {"2017-02"}})
	assert.Equal(t, 6, body.Rows)
	assert.True(t, body.DateFilterSkipped)
}

func TestAPIViewEmptyResult(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := get(t, srv, "/api/view?price_min=300000&price_max=300000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"average_price":null`)

	var body viewBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Rows)
	assert.Empty(t, body.Data)
	assert.Empty(t, body.TownRanking)
}

func TestAPIViewLimit(t *testing.T) {
	srv := newTestServer(t, 4)

	body := getView(t, srv, nil)
	assert.Len(t, body.Data, 4)
	assert.True(t, body.Truncated)
	assert.Equal(t, 6, body.Rows)

	body = getView(t, srv, url.Values{paramLimit: {"0"}})
	assert.Len(t, body.Data, 6)
	assert.False(t, body.Truncated)
}

func TestAPIViewBadRequests(t *testing.T) {
	srv := newTestServer(t, 0)

	for _, target := range []string{
		"/api/view?price_min=500000&price_max=100000",
		"/api/view?date_start=2017-03&date_end=2017-01",
		"/api/view?price_min=cheap",
		"/api/view?date_start=someday",
		"/api/view?limit=-1",
	} {
		rec := get(t, srv, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), target)
		assert.NotEmpty(t, body.Error, target)
	}
}

func TestAPIOptions(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := get(t, srv, "/api/options")
	require.Equal(t, http.StatusOK, rec.Code)

	var opts query.Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Equal(t, []string{"ANG MO KIO", "BEDOK", "TAMPINES"}, opts.Towns)
	assert.Equal(t, []string{"3 ROOM", "4 ROOM", "5 ROOM"}, opts.FlatTypes)
	assert.Equal(t, int64(250000), opts.PriceMin)
	assert.Equal(t, int64(500000), opts.PriceMax)
	assert.Equal(t, int64(10000), opts.PriceStep)
	assert.Equal(t, time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC), opts.MonthMax)
}

func TestIndexPage(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := get(t, srv, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	html := rec.Body.String()
	assert.Contains(t, html, "Matching rows: 6 | Columns: 6")
	assert.Contains(t, html, `<option value="BEDOK">BEDOK</option>`)
	assert.Contains(t, html, "$350,000")
	assert.Equal(t, 3, strings.Count(html, `class="marker"`))
	assert.Contains(t, html, "<polyline")
}

func TestIndexPageFiltered(t *testing.T) {
	srv := newTestServer(t, 1)

	rec := get(t, srv, "/?town=BEDOK&date_start=2017-01&date_end=2017-02")
	require.Equal(t, http.StatusOK, rec.Code)

	html := rec.Body.String()
	assert.Contains(t, html, "Matching rows: 1 | Columns: 6")
	assert.Contains(t, html, `<option value="BEDOK" selected>BEDOK</option>`)
	assert.Contains(t, html, `value="2017-02"`)
	assert.Equal(t, 1, strings.Count(html, `class="marker"`))
}

func TestIndexPageEmptyAndInvalid(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := get(t, srv, "/?price_min=300000&price_max=300000")
	require.Equal(t, http.StatusOK, rec.Code)
	html := rec.Body.String()
	assert.Contains(t, html, "Matching rows: 0")
	assert.Contains(t, html, "n/a")
	assert.NotContains(t, html, "<polyline")

	rec = get(t, srv, "/?price_min=9&price_max=1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `class="error"`)
}

func TestIndexPagePriceInputsAcceptBounds(t *testing.T) {
	srv := newTestServerWith(t, `month,town,flat_type,block,floor_area_sqm,resale_price
2017-01,ANG MO KIO,3 ROOM,406,67,172000
2017-02,BUKIT TIMAH,EXECUTIVE,12,150,1185000
`, 0)

	rec := get(t, srv, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	// The observed bounds are not multiples of the price step, so a
	// stepped input would reject its own default values.
	html := rec.Body.String()
	assert.Contains(t, html, `<input type="number" name="price_min" value="172000" min="172000" max="1185000" step="any" data-step="10000"`)
	assert.Contains(t, html, `<input type="number" name="price_max" value="1185000" min="172000" max="1185000" step="any" data-step="10000"`)
	assert.NotContains(t, html, ` step="10000"`)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, 0)

	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rows":6}`, rec.Body.String())

	get(t, srv, "/api/view")
	rec = get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hdbdash_filter_seconds")
	assert.Contains(t, rec.Body.String(), `hdbdash_http_request_seconds_count{code="200",route="/api/view"}`)
}

func TestParseFilter(t *testing.T) {
	defaults := query.Filter{
		Price: &query.PriceRange{Min: 100, Max: 900},
		Dates: []time.Time{time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2017, 12, 1, 0, 0, 0, 0, time.UTC)},
	}
	r := httptest.NewRequest(http.MethodGet, "/?town=BEDOK&town=+&price_max=500&date_end=2017-06", nil)

	f, err := parseFilter(r, defaults)
	require.NoError(t, err)
	assert.Equal(t, []string{"BEDOK"}, f.Towns)
	assert.Empty(t, f.FlatTypes)
	assert.Equal(t, query.PriceRange{Min: 100, Max: 500}, *f.Price)
	assert.Equal(t, []time.Time{time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)}, f.Dates)

	// Defaults are never modified.
	assert.Equal(t, 900.0, defaults.Price.Max)
	assert.Len(t, defaults.Dates, 2)
}

func TestLineChart(t *testing.T) {
	c := newLineChart([]query.MonthlyPrice{
		{Month: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), MedianPrice: 100},
		{Month: time.Date(2017, 2, 1, 0, 0, 0, 0, time.UTC), MedianPrice: 300},
	})
	assert.Equal(t, "40.0,220.0 680.0,40.0", c.Points)
	assert.Equal(t, "Jan 2017", c.XFirst)
	assert.Equal(t, "Feb 2017", c.XLast)
	assert.Equal(t, "$100", c.YMin)

	single := newLineChart([]query.MonthlyPrice{{Month: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), MedianPrice: 5}})
	assert.Equal(t, "360.0,130.0", single.Points)

	assert.Empty(t, newLineChart(nil).Markers)
}
