package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gridweaver/internal/grid"
	"gridweaver/internal/parallel"
)

const (
	defaultNX     = 16
	defaultNY     = 16
	defaultNZ     = 30
	defaultNGLL   = 3
	defaultSteps  = 10
	defaultHeight = 15000.0

	envNX       = "GRIDWEAVER_NX"
	envNY       = "GRIDWEAVER_NY"
	envNZ       = "GRIDWEAVER_NZ"
	envNGLL     = "GRIDWEAVER_NGLL"
	envWorkers  = "GRIDWEAVER_WORKERS"
	envSchedule = "GRIDWEAVER_SCHEDULE"
	envSteps    = "GRIDWEAVER_STEPS"
	envHeight   = "GRIDWEAVER_HEIGHT"
	envJournal  = "GRIDWEAVER_JOURNAL"
	envLogLevel = "GRIDWEAVER_LOG_LEVEL"
)

// Config holds driver configuration loaded from environment variables.
type Config struct {
	Domain   grid.Domain
	NGLL     int
	Workers  int
	Schedule parallel.Schedule
	Steps    int
	// Height is the model top in metres.
	Height float64
	// JournalPath is the sqlite path of the step journal; empty disables it.
	JournalPath string
	LogLevel    slog.Level
}

// Load reads configuration from environment variables with defaults.
// Unparseable values fall back to the default.
func Load() Config {
	cfg := Config{
		Domain:   grid.Domain{NX: defaultNX, NY: defaultNY, NZ: defaultNZ},
		NGLL:     defaultNGLL,
		Schedule: parallel.Contiguous,
		Steps:    defaultSteps,
		Height:   defaultHeight,
		LogLevel: slog.LevelInfo,
	}

	cfg.Domain.NX = intEnv(envNX, cfg.Domain.NX)
	cfg.Domain.NY = intEnv(envNY, cfg.Domain.NY)
	cfg.Domain.NZ = intEnv(envNZ, cfg.Domain.NZ)
	cfg.NGLL = intEnv(envNGLL, cfg.NGLL)
	cfg.Workers = intEnv(envWorkers, cfg.Workers)
	cfg.Steps = intEnv(envSteps, cfg.Steps)

	if v := os.Getenv(envSchedule); v != "" {
		if s, err := parallel.ParseSchedule(v); err == nil {
			cfg.Schedule = s
		}
	}
	if v := os.Getenv(envHeight); v != "" {
		if h, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Height = h
		}
	}
	if v := os.Getenv(envJournal); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	return cfg
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Validate rejects configurations the driver cannot run.
func (c Config) Validate() error {
	if err := c.Domain.Validate(); err != nil {
		return err
	}
	if c.NGLL < 2 {
		return fmt.Errorf("%s must be at least 2, got %d", envNGLL, c.NGLL)
	}
	if c.Domain.NZ%c.NGLL != 0 {
		return fmt.Errorf("%s (%d) must be a multiple of %s (%d)", envNZ, c.Domain.NZ, envNGLL, c.NGLL)
	}
	if c.Steps < 1 {
		return fmt.Errorf("%s must be positive, got %d", envSteps, c.Steps)
	}
	if c.Height <= 0 {
		return fmt.Errorf("%s must be positive, got %g", envHeight, c.Height)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
