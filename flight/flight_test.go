package flight_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/hdbdash/db"
	hdbflight "github.com/TFMV/hdbdash/flight"
	"github.com/TFMV/hdbdash/query"
	"github.com/TFMV/hdbdash/storage"
)

const resaleCSV = `month,town,flat_type,block,floor_area_sqm,resale_price
2017-01,ANG MO KIO,3 ROOM,406,67,250000
2017-01,BEDOK,4 ROOM,216A,92,350000
2017-02,ANG MO KIO,4 ROOM,108,91,400000
2017-02,TAMPINES,5 ROOM,880,120,500000
2017-03,BEDOK,3 ROOM,12,64,260000
`

// tableComputer serves a planner over a fixed table.
type tableComputer struct {
	planner *query.Planner
}

func (c tableComputer) Compute(ctx context.Context, f query.Filter) (*query.Result, error) {
	return c.planner.Compute(ctx, f, 0)
}

func (c tableComputer) Table() *db.Table { return c.planner.Table() }

// MockComputer implements hdbflight.Computer for failure paths.
type MockComputer struct {
	mock.Mock
}

func (m *MockComputer) Compute(ctx context.Context, f query.Filter) (*query.Result, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*query.Result), args.Error(1)
}

func (m *MockComputer) Table() *db.Table {
	return m.Called().Get(0).(*db.Table)
}

func startServer(t *testing.T, dash hdbflight.Computer, batchSize int) *hdbflight.Client {
	t.Helper()
	srv, err := hdbflight.Listen("localhost:0", hdbflight.NewService(dash, batchSize, nil))
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	client, err := hdbflight.NewClient(srv.Addr().String(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func loadComputer(t *testing.T) tableComputer {
	t.Helper()
	table, err := storage.ReadCSV(strings.NewReader(resaleCSV))
	require.NoError(t, err)
	t.Cleanup(table.Close)
	return tableComputer{planner: query.NewPlanner(table)}
}

func releaseRecords(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}

func towns(t *testing.T, c tableComputer, recs []arrow.Record) []string {
	t.Helper()
	idx := c.Table().Schema().FieldIndices(db.ColTown)[0]
	var out []string
	for _, rec := range recs {
		col := rec.Column(idx).(*array.String)
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out
}

func TestDoGet(t *testing.T) {
	dash := loadComputer(t)
	client := startServer(t, dash, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := client.Query(ctx, query.Filter{Towns: []string{"BEDOK", "ANG MO KIO"}})
	require.NoError(t, err)
	defer releaseRecords(recs)

	var rows int64
	for _, rec := range recs {
		assert.LessOrEqual(t, rec.NumRows(), int64(2))
		assert.True(t, dash.Table().Schema().Equal(rec.Schema()))
		rows += rec.NumRows()
	}
	assert.Equal(t, int64(4), rows)
	assert.Equal(t, []string{"ANG MO KIO", "BEDOK", "ANG MO KIO", "BEDOK"}, towns(t, dash, recs))
}

func TestDoGetEmptyView(t *testing.T) {
	dash := loadComputer(t)
	client := startServer(t, dash, 0)

	recs, err := client.Query(context.Background(), query.Filter{Price: &query.PriceRange{Min: 1, Max: 2}})
	require.NoError(t, err)
	defer releaseRecords(recs)

	var rows int64
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	assert.Zero(t, rows)
}

func TestDoGetInvalidFilter(t *testing.T) {
	client := startServer(t, loadComputer(t), 0)

	_, err := client.Query(context.Background(), query.Filter{Price: &query.PriceRange{Min: 2, Max: 1}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDoGetInternalError(t *testing.T) {
	m := new(MockComputer)
	m.On("Compute", mock.Anything, mock.Anything).Return(nil, errors.New("disk on fire"))
	client := startServer(t, m, 0)

	_, err := client.Query(context.Background(), query.Filter{})
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	m.AssertNumberOfCalls(t, "Compute", 1)
}

func TestSchema(t *testing.T) {
	dash := loadComputer(t)
	client := startServer(t, dash, 0)

	schema, err := client.Schema(context.Background())
	require.NoError(t, err)
	assert.True(t, dash.Table().Schema().Equal(schema))
}

func TestTicketRoundTrip(t *testing.T) {
	f := query.Filter{
		Towns:     []string{"BEDOK"},
		FlatTypes: []string{"4 ROOM"},
		Price:     &query.PriceRange{Min: 100000, Max: 500000},
		Dates:     []time.Time{time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	ticket, err := hdbflight.EncodeTicket(f)
	require.NoError(t, err)

	got, err := hdbflight.DecodeTicket(ticket.GetTicket())
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = hdbflight.DecodeTicket([]byte(`{"window": 3600}`))
	assert.Error(t, err)
	_, err = hdbflight.DecodeTicket(nil)
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	policy := &hdbflight.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		RetryableErrors: map[codes.Code]bool{
			codes.Unavailable: true,
		},
	}

	t.Run("Successful retry", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			if attempts < 2 {
				return status.Error(codes.Unavailable, "temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("Max attempts exceeded", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return status.Error(codes.Unavailable, "persistent error")
		})

		assert.Error(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("Non-retryable error", func(t *testing.T) {
		attempts := 0
		err := policy.Execute(context.Background(), func() error {
			attempts++
			return status.Error(codes.InvalidArgument, "bad request")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("Cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		err := policy.Execute(ctx, func() error {
			attempts++
			cancel()
			return status.Error(codes.Unavailable, "down")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}
