package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/warehouse/tasks/pkg/pipeline"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Runner is the view of the pipeline runner the probes read.
type Runner interface {
	Ready() bool
	Status() pipeline.Status
}

type Config struct {
	Logger      *slog.Logger
	ListenAddr  string
	VersionInfo VersionInfo
	Runner      Runner

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	return nil
}
