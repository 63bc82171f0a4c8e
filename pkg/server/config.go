package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/malbeclabs/jobusage/pkg/usage"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Engine answers usage queries.
type Engine interface {
	FetchClusters(ctx context.Context) ([]string, error)
	FetchUsers(ctx context.Context, cluster string) ([]string, error)
	FetchUsage(ctx context.Context, req usage.Request) (usage.Response, error)
}

// ReadyChecker reports whether the fact store has been populated.
type ReadyChecker interface {
	Ready() bool
}

type Config struct {
	Logger   *slog.Logger
	Engine   Engine
	Listener net.Listener
	// Ready gates /readyz. Optional; without it the server is ready once
	// listening.
	Ready             ReadyChecker
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
