package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"
)

// DefaultShutdownTimeout bounds connection draining on shutdown.
const DefaultShutdownTimeout = 10 * time.Second

var _ supervisor.Runnable = (*Listener)(nil)

// Listener runs an http.Server as a supervisor.Runnable.
type Listener struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
	ready  chan struct{}
}

// NewListener creates a Listener serving handler on addr.
func NewListener(addr string, handler http.Handler, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		addr:            addr,
		handler:         handler,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger.With(slog.String("component", "listener")),
		ready:           make(chan struct{}),
	}
}

func (l *Listener) String() string {
	return "server.Listener"
}

// Addr returns the bound address once Ready is closed.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

// Ready is closed once the listening socket is bound.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Run binds the address and serves until ctx is cancelled or Stop is called,
// then drains connections for up to the shutdown timeout.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.addr, err)
	}
	srv := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.srv = srv
	l.ln = ln
	l.cancel = cancel
	l.mu.Unlock()
	close(l.ready)

	serverError := make(chan error, 1)
	go func() {
		l.logger.Info("Listening (HTTP)", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), l.shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		l.logger.Info("Connections drained")
		return nil
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}
}

// Stop ends a running Run.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}
