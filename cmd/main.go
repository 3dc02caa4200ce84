package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/docopt/docopt.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TFMV/hdbdash"
	"github.com/TFMV/hdbdash/config"
	hdbflight "github.com/TFMV/hdbdash/flight"
	"github.com/TFMV/hdbdash/query"
	"github.com/TFMV/hdbdash/server"
)

const version = "hdbdash 0.1.0"

const usage = `HDB resale dashboard.

Usage:
  hdbdash serve [--config=<path>] [--data=<path>] [--addr=<addr>] [--flight-addr=<addr>]
  hdbdash summary [--config=<path>] [--data=<path>] [--town=<town>...] [--flat-type=<type>...] [--top=<n>]
  hdbdash (-h | --help)
  hdbdash --version

Options:
  -h --help             Show this screen.
  --version             Show version.
  --config=<path>       YAML configuration file.
  --data=<path>         Dataset CSV, local path or gs://bucket/object.
  --addr=<addr>         HTTP listen address.
  --flight-addr=<addr>  Enable Arrow Flight on this address.
  --town=<town>         Restrict to a town; repeat for several.
  --flat-type=<type>    Restrict to a flat type; repeat for several.
  --top=<n>             Towns to list in the ranking.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command and returns the process exit code. Every
// deferred cleanup has happened by the time it returns.
func run(argv []string) int {
	arguments, err := docopt.ParseArgs(usage, argv, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(arguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A dataset that cannot be loaded leaves nothing to serve.
	dash, err := hdbdash.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to load dataset", zap.String("path", cfg.Data.Path), zap.Error(err))
		return 1
	}
	defer dash.Close()

	if summary, _ := arguments.Bool("summary"); summary {
		err = runSummary(ctx, os.Stdout, dash, arguments)
	} else {
		err = runServe(ctx, cfg, dash, logger)
	}
	if err != nil {
		logger.Error("hdbdash exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func loadConfig(arguments docopt.Opts) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := arguments.String("--config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if data, _ := arguments.String("--data"); data != "" {
		cfg.Data.Path = data
	}
	if addr, _ := arguments.String("--addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr, _ := arguments.String("--flight-addr"); addr != "" {
		cfg.Flight.Enabled = true
		cfg.Flight.Addr = addr
	}
	if v, _ := arguments.String("--top"); v != "" {
		top, err := strconv.Atoi(v)
		if err != nil || top < 1 {
			return nil, fmt.Errorf("--top must be a positive integer, got %q", v)
		}
		cfg.Dashboard.TopTowns = top
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, dash *hdbdash.Dashboard, logger *zap.Logger) error {
	srv, err := server.New(dash, cfg.Server.TableRowLimit, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server)
	})

	if cfg.Flight.Enabled {
		fs, err := hdbflight.Listen(cfg.Flight.Addr, hdbflight.NewService(dash, 0, logger))
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("flight server listening", zap.String("addr", fs.Addr().String()))
			return fs.Serve()
		})
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}

	logger.Info("hdbdash serving",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("flight", cfg.Flight.Enabled))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("hdbdash stopped")
	return nil
}

func runSummary(ctx context.Context, w io.Writer, dash *hdbdash.Dashboard, arguments docopt.Opts) error {
	f := dash.DefaultFilter()
	if towns, ok := arguments["--town"].([]string); ok {
		f.Towns = towns
	}
	if flats, ok := arguments["--flat-type"].([]string); ok {
		f.FlatTypes = flats
	}
	res, err := dash.Compute(ctx, f)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Matching rows:\t%d\n", res.Rows)
	fmt.Fprintf(tw, "Average price:\t%s\n", metric(res.KPIs.AveragePrice, "%.0f"))
	fmt.Fprintf(tw, "Median price:\t%s\n", metric(res.KPIs.MedianPrice, "%.0f"))
	fmt.Fprintf(tw, "Median floor area:\t%s\n", metric(res.KPIs.MedianFloorArea, "%.1f"))
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Town\tAverage price")
	for _, tp := range res.TownRanking {
		fmt.Fprintf(tw, "%s\t%.0f\n", tp.Town, float64(tp.AveragePrice))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Flat type\tTransactions")
	for _, fc := range res.FlatTypeCounts {
		fmt.Fprintf(tw, "%s\t%d\n", fc.FlatType, fc.Count)
	}
	return tw.Flush()
}

func metric(m query.Metric, format string) string {
	if !m.Valid() {
		return "n/a"
	}
	return fmt.Sprintf(format, float64(m))
}
