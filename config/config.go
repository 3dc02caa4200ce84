// Package config loads the hdbdash YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config represents the top-level hdbdash.yaml configuration.
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Server    ServerConfig    `yaml:"server"`
	Flight    FlightConfig    `yaml:"flight"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// DataConfig locates the dataset.
type DataConfig struct {
	Path               string `yaml:"path"` // local path or gs://bucket/object
	SnapshotDir        string `yaml:"snapshot_dir,omitempty"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file,omitempty"`
	CacheSize          int    `yaml:"cache_size"`
}

// ServerConfig controls the HTTP dashboard.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TableRowLimit caps the rows rendered in the HTML table. Zero renders all.
	TableRowLimit int `yaml:"table_row_limit"`
}

// FlightConfig controls the Arrow Flight endpoint.
type FlightConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DashboardConfig tunes the aggregates.
type DashboardConfig struct {
	TopTowns  int `yaml:"top_towns"`
	PriceStep int `yaml:"price_step"`
}

// LoggingConfig selects the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// BreakerConfig tunes the circuit breaker around remote dataset reads.
type BreakerConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Failures uint32        `yaml:"failures"`
}

// Default returns a Config with the settings used when no file is given.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Path:      "./data/resale_data_2017.csv",
			CacheSize: 8,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			TableRowLimit:   1000,
		},
		Flight: FlightConfig{
			Addr: ":8815",
		},
		Dashboard: DashboardConfig{
			TopTowns:  10,
			PriceStep: 10000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Breaker: BreakerConfig{
			Timeout:  30 * time.Second,
			Failures: 3,
		},
	}
}

// Load reads a YAML file on top of the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Data.Path) == "" {
		errs = append(errs, errors.New("data.path must not be empty"))
	}
	if c.Data.CacheSize < 1 {
		errs = append(errs, fmt.Errorf("data.cache_size %d: must be at least 1", c.Data.CacheSize))
	}
	if err := validAddr(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	}
	if c.Server.TableRowLimit < 0 {
		errs = append(errs, fmt.Errorf("server.table_row_limit %d: must not be negative", c.Server.TableRowLimit))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Flight.Enabled {
		if err := validAddr(c.Flight.Addr); err != nil {
			errs = append(errs, fmt.Errorf("flight.addr: %w", err))
		}
	}
	if c.Dashboard.TopTowns < 1 {
		errs = append(errs, fmt.Errorf("dashboard.top_towns %d: must be at least 1", c.Dashboard.TopTowns))
	}
	if c.Dashboard.PriceStep < 1 {
		errs = append(errs, fmt.Errorf("dashboard.price_step %d: must be at least 1", c.Dashboard.PriceStep))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Breaker.Failures == 0 {
		errs = append(errs, errors.New("breaker.failures must be at least 1"))
	}
	if c.Breaker.Timeout <= 0 {
		errs = append(errs, errors.New("breaker.timeout must be positive"))
	}

	return errors.Join(errs...)
}

func validAddr(addr string) error {
	if addr == "" {
		return errors.New("must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// Build constructs the zap logger described by the section.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
