// Package flight serves filtered views of the transaction table over Apache
// Arrow Flight. A ticket is a JSON-encoded query.Filter.
package flight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/hdbdash/db"
	"github.com/TFMV/hdbdash/query"
)

// DefaultBatchSize is the number of rows per streamed record batch.
const DefaultBatchSize = 64 * 1024

// Computer produces the filtered view for a filter. *hdbdash.Dashboard
// satisfies it.
type Computer interface {
	Compute(ctx context.Context, f query.Filter) (*query.Result, error)
	Table() *db.Table
}

// Service is the Flight service exposing filtered views.
type Service struct {
	flight.BaseFlightServer
	dash      Computer
	batchSize int
	logger    *zap.Logger
}

// NewService creates a Flight service over dash. A batchSize of zero or
// less uses DefaultBatchSize.
func NewService(dash Computer, batchSize int, logger *zap.Logger) *Service {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{dash: dash, batchSize: batchSize, logger: logger}
}

// Listen creates a Flight server bound to addr with svc registered. The
// caller runs Serve and Shutdown.
func Listen(addr string, svc *Service) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return srv, nil
}

// GetSchema returns the schema every DoGet stream carries.
func (s *Service) GetSchema(_ context.Context, _ *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	return &flight.SchemaResult{
		Schema: flight.SerializeSchema(s.dash.Table().Schema(), db.Pool),
	}, nil
}

// DoGet streams the rows matching the filter in the ticket, in source order.
func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := stream.Context()

	f, err := DecodeTicket(ticket.GetTicket())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	res, err := s.dash.Compute(ctx, f)
	if err != nil {
		if errors.Is(err, query.ErrInvalidRange) {
			return status.Errorf(codes.InvalidArgument, "invalid filter: %v", err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return status.FromContextError(err).Err()
		}
		return status.Errorf(codes.Internal, "query failed: %v", err)
	}

	rec, err := res.View.Record(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "materialize view: %v", err)
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer writer.Close()

	batches := 0
	err = s.writeBatches(rec, func(batch arrow.Record) error {
		batches++
		return writer.Write(batch)
	})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to write record: %v", err)
	}

	s.logger.Debug("flight view streamed",
		zap.Int("rows", res.Rows),
		zap.Int("batches", batches))
	return nil
}

// writeBatches hands rec to write in slices of at most batchSize rows. An
// empty record is written as is so the client still receives the schema.
func (s *Service) writeBatches(rec arrow.Record, write func(arrow.Record) error) error {
	n := rec.NumRows()
	if n == 0 {
		return write(rec)
	}
	for off := int64(0); off < n; off += int64(s.batchSize) {
		end := min(off+int64(s.batchSize), n)
		batch := rec.NewSlice(off, end)
		err := write(batch)
		batch.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// EncodeTicket serializes f into a Flight ticket.
func EncodeTicket(f query.Filter) (*flight.Ticket, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode ticket: %w", err)
	}
	return &flight.Ticket{Ticket: data}, nil
}

// DecodeTicket parses a ticket produced by EncodeTicket. Unknown fields are
// rejected.
func DecodeTicket(data []byte) (query.Filter, error) {
	var f query.Filter
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return query.Filter{}, err
	}
	return f, nil
}
