package flight

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/TFMV/hdbdash/db"
	"github.com/TFMV/hdbdash/query"
)

// ---------------------------------------------------------------------
// Retry Policy
// ---------------------------------------------------------------------

// RetryPolicy retries an operation on the gRPC codes it lists.
type RetryPolicy struct {
	MaxAttempts     int
	Backoff         time.Duration
	RetryableErrors map[codes.Code]bool
}

// DefaultRetryPolicy retries Unavailable three times with linear backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		Backoff:     100 * time.Millisecond,
		RetryableErrors: map[codes.Code]bool{
			codes.Unavailable: true,
		},
	}
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. It returns the last error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !p.RetryableErrors[status.Code(err)] || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff * time.Duration(i+1)):
		}
	}
	return err
}

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// Client queries a Flight service for filtered views.
type Client struct {
	client flight.Client
	retry  *RetryPolicy
}

// NewClient dials addr without transport security.
func NewClient(addr string, retry *RetryPolicy) (*Client, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Client{client: client, retry: retry}, nil
}

// Query fetches the rows matching f. The caller releases the records.
func (c *Client) Query(ctx context.Context, f query.Filter) ([]arrow.Record, error) {
	ticket, err := EncodeTicket(f)
	if err != nil {
		return nil, err
	}

	var records []arrow.Record
	err = c.retry.Execute(ctx, func() error {
		releaseAll(records)
		records = nil

		stream, err := c.client.DoGet(ctx, ticket)
		if err != nil {
			return err
		}
		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()

		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			records = append(records, rec)
		}
		return reader.Err()
	})
	if err != nil {
		releaseAll(records)
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}
	return records, nil
}

// Schema fetches the schema of the served table.
func (c *Client) Schema(ctx context.Context) (*arrow.Schema, error) {
	var res *flight.SchemaResult
	err := c.retry.Execute(ctx, func() error {
		var err error
		res, err = c.client.GetSchema(ctx, &flight.FlightDescriptor{Type: flight.DescriptorCMD})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetSchema failed: %w", err)
	}
	return flight.DeserializeSchema(res.GetSchema(), db.Pool)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.client.Close()
}

func releaseAll(records []arrow.Record) {
	for _, rec := range records {
		rec.Release()
	}
}
