// top-level server: wires the listener, worker pool and handler registry
// into the New/Run/Stop/SetConfig shape the process entry point drives.
package server

import (
	"context"
	"log/slog"

	"github.com/kfcemployee/gofcgi/server/config"
	"github.com/kfcemployee/gofcgi/server/engine"
	"github.com/kfcemployee/gofcgi/server/registry"
)

// Server owns the worker pool and listener for one bind address.
type Server struct {
	cfg config.Config
	log *slog.Logger
	reg *registry.Registry

	pool     *engine.Pool
	listener *engine.Listener

	cancel context.CancelFunc
}

// New builds a Server bound to cfg, with reg supplying the role->handler
// factory mapping. reg must have at least one registered role — New fails otherwise.
func New(cfg config.Config, reg *registry.Registry, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	pool := engine.NewPool(int(cfg.Workers))
	listener, err := engine.NewListener(cfg.Bind, pool, reg, cfg.ChunkSize, cfg.GCInterval, log)
	if err != nil {
		pool.Terminate()
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		pool:     pool,
		listener: listener,
	}, nil
}

// Run drives the listener's reactor until Stop is called or the process
// receives SIGTERM. It blocks until shutdown completes.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer func() {
		s.pool.Terminate()
	}()
	return s.listener.Run(ctx)
}

// Stop requests a graceful shutdown: the listener's reactor loop exits,
// in-flight requests are abandoned, and the worker pool drains.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// SetConfig applies a Reloadable update — worker count, GC interval and
// chunk size — to the running server. Bind is
// fixed at construction and cannot be changed without a restart.
func (s *Server) SetConfig(r config.Reloadable) {
	s.pool.Resize(int(r.Workers))
	s.listener.SetChunkSize(r.ChunkSize)
	s.listener.SetGCInterval(r.GCInterval)
	s.log.Info("config reloaded", "workers", r.Workers, "gc_interval", r.GCInterval, "chunk_size", r.ChunkSize)
}
