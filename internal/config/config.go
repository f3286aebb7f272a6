// Package config loads the service and batch configuration from the
// environment.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/woldeaman/diffusion-df-extraction/internal/errors"
	"github.com/woldeaman/diffusion-df-extraction/internal/fit"
	"github.com/woldeaman/diffusion-df-extraction/internal/logging"
	"github.com/woldeaman/diffusion-df-extraction/internal/model"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		// Type selects the result store: "file" or "sqlite".
		Type string `env:"DB_TYPE" envDefault:"file"`
		DSN  string `env:"DB_DSN"`
	}
	// ResultsDir receives the file store and the estimate tables.
	ResultsDir string `env:"RESULTS_DIR" envDefault:"results"`
	Fit        struct {
		Runs         int     `env:"FIT_RUNS" envDefault:"100"`
		Verbosity    int     `env:"FIT_VERBOSITY" envDefault:"0"`
		AnalysisOnly bool    `env:"FIT_ANALYSIS_ONLY" envDefault:"false"`
		TopPercent   float64 `env:"FIT_TOP_PERCENT" envDefault:"0.1"`
		DMax         float64 `env:"FIT_DMAX" envDefault:"1000"`
		FMax         float64 `env:"FIT_FMAX" envDefault:"20"`
		TotalLength  float64 `env:"FIT_TOTAL_LENGTH" envDefault:"1780"`
		Seed         uint64  `env:"FIT_SEED" envDefault:"0"`
		Check        bool    `env:"FIT_CHECK" envDefault:"false"`
		MaxIter      int     `env:"FIT_MAX_ITER" envDefault:"200"`
		Method       string  `env:"FIT_METHOD" envDefault:"lm"`
		Sampling     string  `env:"FIT_SAMPLING" envDefault:"uniform"`
		Shape        string  `env:"FIT_SHAPE" envDefault:"sigmoidal"`
		SegmentEnd   int     `env:"FIT_SEGMENT_END" envDefault:"0"`
	}
	Optimization struct {
		WorkerCount int `env:"OPT_WORKER_COUNT" envDefault:"1"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "config.Load")
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	// Set default database DSN based on the store type
	if cfg.Database.DSN == "" {
		switch cfg.Database.Type {
		case "sqlite":
			cfg.Database.DSN = "file:" + cfg.ResultsDir + "/fits.db?_pragma=busy_timeout(5000)"
		case "file":
			cfg.Database.DSN = cfg.ResultsDir + "/sweeps"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fit settings.
func (c *Config) Validate() error {
	const op = "config.Validate"

	switch c.Database.Type {
	case "file", "sqlite":
	default:
		return errors.Precondition(op, "DB_TYPE must be file or sqlite, got %q", c.Database.Type)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errors.Precondition(op, "LOG_LEVEL: %v", err)
	}
	if c.Fit.Runs < 1 {
		return errors.Precondition(op, "FIT_RUNS must be positive, got %d", c.Fit.Runs)
	}
	if c.Fit.Verbosity < 0 || c.Fit.Verbosity > 2 {
		return errors.Precondition(op, "FIT_VERBOSITY must be 0, 1 or 2, got %d", c.Fit.Verbosity)
	}
	if c.Fit.TopPercent <= 0 || c.Fit.TopPercent > 1 {
		return errors.Precondition(op, "FIT_TOP_PERCENT must be in (0, 1], got %g", c.Fit.TopPercent)
	}
	if c.Fit.DMax <= 0 || c.Fit.FMax <= 0 || c.Fit.TotalLength <= 0 {
		return errors.Precondition(op, "FIT_DMAX, FIT_FMAX and FIT_TOTAL_LENGTH must be positive")
	}
	if c.Optimization.WorkerCount < 1 {
		return errors.Precondition(op, "OPT_WORKER_COUNT must be positive, got %d", c.Optimization.WorkerCount)
	}
	if _, err := fit.ParseMethod(c.Fit.Method); err != nil {
		return err
	}
	if _, err := fit.ParseSampling(c.Fit.Sampling); err != nil {
		return err
	}
	if _, err := model.ParseShapeKind(c.Fit.Shape); err != nil {
		return err
	}
	return nil
}

// ProblemOptions returns the problem settings of the configuration.
func (c *Config) ProblemOptions() fit.ProblemOptions {
	shape, _ := model.ParseShapeKind(c.Fit.Shape)
	return fit.ProblemOptions{
		TotalLength: c.Fit.TotalLength,
		DMax:        c.Fit.DMax,
		FMax:        c.Fit.FMax,
		Shape:       shape,
		SegmentEnd:  c.Fit.SegmentEnd,
		Check:       c.Fit.Check,
	}
}

// DriverOptions returns the sweep settings of the configuration.
func (c *Config) DriverOptions() fit.DriverOptions {
	method, _ := fit.ParseMethod(c.Fit.Method)
	sampling, _ := fit.ParseSampling(c.Fit.Sampling)

	solver := fit.DefaultSolverSettings()
	solver.Method = method
	solver.MaxIterations = c.Fit.MaxIter

	return fit.DriverOptions{
		Runs:      c.Fit.Runs,
		Workers:   c.Optimization.WorkerCount,
		Seed:      c.Fit.Seed,
		Sampling:  sampling,
		Solver:    solver,
		Verbosity: c.Fit.Verbosity,
	}
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
