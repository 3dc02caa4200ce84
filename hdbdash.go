// Package hdbdash wires the dataset loader, the filter pipeline and the
// aggregates into one immutable dashboard handle.
package hdbdash

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/TFMV/hdbdash/config"
	"github.com/TFMV/hdbdash/db"
	"github.com/TFMV/hdbdash/query"
	"github.com/TFMV/hdbdash/storage"
)

// ---------------------------------------------------------------------
// Dashboard: the loaded dataset and everything derived from it.
// ---------------------------------------------------------------------

// Dashboard is created once per process by Open. It never changes after
// that, so every method is safe to call from concurrent requests.
type Dashboard struct {
	loader  *storage.Loader
	table   *db.Table
	planner *query.Planner
	options query.Options

	topTowns int
	logger   *zap.Logger

	closeOnce sync.Once
}

// Open loads the configured dataset and returns the dashboard handle. A
// load failure is returned as is; the caller decides whether it is fatal.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dashboard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var clientOpts []option.ClientOption
	if cfg.Data.GCSCredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Data.GCSCredentialsFile))
	}
	loader := storage.NewLoader(storage.LoaderOptions{
		CacheSize:       cfg.Data.CacheSize,
		SnapshotDir:     cfg.Data.SnapshotDir,
		BreakerTimeout:  cfg.Breaker.Timeout,
		BreakerFailures: cfg.Breaker.Failures,
		ClientOptions:   clientOpts,
	}, logger)

	table, err := loader.Load(ctx, cfg.Data.Path)
	if err != nil {
		loader.Close()
		return nil, fmt.Errorf("open dashboard: %w", err)
	}

	opts := query.OptionsFor(table)
	if cfg.Dashboard.PriceStep > 0 {
		opts.PriceStep = int64(cfg.Dashboard.PriceStep)
	}

	logger.Info("dashboard ready",
		zap.String("path", cfg.Data.Path),
		zap.Int("rows", table.NumRows()),
		zap.Int("towns", len(opts.Towns)),
		zap.Int("flat_types", len(opts.FlatTypes)))

	return &Dashboard{
		loader:   loader,
		table:    table,
		planner:  query.NewPlanner(table),
		options:  opts,
		topTowns: cfg.Dashboard.TopTowns,
		logger:   logger,
	}, nil
}

// Compute derives the filtered view and every aggregate for f. It has no
// side effects on the dashboard.
func (d *Dashboard) Compute(ctx context.Context, f query.Filter) (*query.Result, error) {
	res, err := d.planner.Compute(ctx, f, d.topTowns)
	if err != nil {
		return nil, err
	}
	if res.DateFilterSkipped {
		d.logger.Debug("single date selected, month filter skipped")
	}
	return res, nil
}

// Options returns the widget bounds of the dataset.
func (d *Dashboard) Options() query.Options {
	o := d.options
	o.Towns = append([]string(nil), d.options.Towns...)
	o.FlatTypes = append([]string(nil), d.options.FlatTypes...)
	return o
}

// DefaultFilter is the filter a fresh page starts from.
func (d *Dashboard) DefaultFilter() query.Filter {
	return d.options.DefaultFilter()
}

// Table returns the loaded transaction table.
func (d *Dashboard) Table() *db.Table { return d.table }

// Close releases the table and the loader.
func (d *Dashboard) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.table.Close()
		err = d.loader.Close()
	})
	return err
}
