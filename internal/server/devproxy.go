package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/rathix/frontdoor/internal/logging"
	"github.com/rathix/frontdoor/internal/process"
)

// ErrControllerClosed is returned by EnsureStarted after Close.
var ErrControllerClosed = errors.New("dev server controller closed")

// DevOption configures a DevServerController.
type DevOption func(*DevServerController)

// WithDevCommand overrides the dev server command (default "npm start --prefix <dir>").
func WithDevCommand(command string, args []string) DevOption {
	return func(c *DevServerController) {
		c.command = command
		c.args = args
	}
}

// WithDevEnv adds environment variables for the child.
func WithDevEnv(env map[string]string) DevOption {
	return func(c *DevServerController) { c.env = env }
}

// WithDevStopTimeout sets how long the child gets to exit after SIGTERM.
func WithDevStopTimeout(d time.Duration) DevOption {
	return func(c *DevServerController) { c.stopTimeout = d }
}

// WithRestartDelay sets the minimum time between a failed or exited child and
// the next start attempt.
func WithRestartDelay(d time.Duration) DevOption {
	return func(c *DevServerController) { c.restartDelay = d }
}

// WithDevLogger sets the controller's logger.
func WithDevLogger(l *slog.Logger) DevOption {
	return func(c *DevServerController) { c.logger = l }
}

// WithDevConsole sets the tagged console used for lifecycle messages.
func WithDevConsole(console *logging.Console) DevOption {
	return func(c *DevServerController) { c.console = console }
}

// WithReadinessDetector replaces the default output handler.
func WithReadinessDetector(d *ReadinessDetector) DevOption {
	return func(c *DevServerController) { c.detector = d }
}

var _ supervisor.Runnable = (*DevServerController)(nil)

// DevServerController starts the front-end dev server on the first request
// that needs it, keeps at most one child alive and stops it on shutdown.
// It implements DevServer for the router and supervisor.Runnable for the
// process-wide lifecycle.
type DevServerController struct {
	dir          string
	port         int
	command      string
	args         []string
	env          map[string]string
	stopTimeout  time.Duration
	restartDelay time.Duration
	logger       *slog.Logger
	console      *logging.Console
	detector     *ReadinessDetector

	mu          sync.Mutex
	proc        *process.Supervisor
	reaped      *process.Supervisor
	spawns      int
	lastFailure time.Time
	closed      bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDevServerController creates a controller for the app sources in dir
// served on port. Nothing is spawned until EnsureStarted.
func NewDevServerController(dir string, port int, opts ...DevOption) (*DevServerController, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: dev source root: %w", ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: dev source root %q is not a directory", ErrConfiguration, dir)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: dev server port must be between 1 and 65535, got %d", ErrConfiguration, port)
	}

	c := &DevServerController{
		dir:          dir,
		port:         port,
		command:      "npm",
		args:         []string{"start", "--prefix", dir},
		stopTimeout:  5 * time.Second,
		restartDelay: 2 * time.Second,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "devserver"))
	if c.detector == nil {
		c.detector = NewReadinessDetector(nil, nil, WithDetectorLogger(c.logger), WithDetectorConsole(c.console))
	}
	return c, nil
}

// Port returns the port the dev server listens on.
func (c *DevServerController) Port() int {
	return c.port
}

// EnsureStarted spawns the dev server unless a child is already alive.
// Concurrent callers are serialized, so a burst of first requests produces a
// single spawn. Errors wrap ErrUpstreamUnavailable: the request that hit them
// is answered with 503 like any other not-ready condition.
func (c *DevServerController) EnsureStarted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, ErrControllerClosed)
	}
	if c.proc != nil {
		if c.proc.State() != process.StateStopped {
			return nil
		}
		c.recordExitLocked(c.proc)
	}
	if !c.lastFailure.IsZero() && time.Since(c.lastFailure) < c.restartDelay {
		return fmt.Errorf("%w: dev server restart delayed", ErrUpstreamUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if c.proc == nil {
		c.console.Info("Starting React application (nodejs) ...")
	} else {
		c.console.Warn("Restarting React application (nodejs) ...")
	}

	c.detector.Reset()
	proc := process.New(c.command, c.args,
		process.WithLogger(c.logger),
		process.WithStopTimeout(c.stopTimeout),
	)
	c.proc = proc
	c.spawns++

	if err := proc.Start(c.port, c.dir, c.env, c.detector); err != nil {
		c.lastFailure = time.Now()
		c.reaped = proc
		c.console.Error("Unable to start the application: %v", err)
		return fmt.Errorf("%w: start dev server: %w", ErrUpstreamUnavailable, err)
	}

	go c.watchExit(proc)
	return nil
}

func (c *DevServerController) watchExit(proc *process.Supervisor) {
	<-proc.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.proc != proc {
		return
	}
	c.recordExitLocked(proc)
}

// recordExitLocked notes that proc has exited on its own, once per child.
// The restart delay counts from here.
func (c *DevServerController) recordExitLocked(proc *process.Supervisor) {
	if c.reaped == proc {
		return
	}
	c.reaped = proc
	c.lastFailure = time.Now()
	c.detector.Reset()
	if err := proc.ExitErr(); err != nil {
		c.console.Error("Application exited: %v", err)
	} else {
		c.console.Warn("Application exited.")
	}
}

// Close stops the child, if any, and refuses further starts. It is safe to
// call more than once.
func (c *DevServerController) Close() error {
	c.mu.Lock()
	c.closed = true
	proc := c.proc
	c.mu.Unlock()

	if proc == nil {
		return nil
	}
	return proc.Stop()
}

// String implements supervisor.Runnable.
func (c *DevServerController) String() string {
	return "server.DevServerController"
}

// Run implements supervisor.Runnable. The child itself is started lazily by
// requests; Run only ties its lifetime to the hosting process.
func (c *DevServerController) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	}
	return c.Close()
}

// Stop implements supervisor.Runnable.
func (c *DevServerController) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// DevServerStatus is a point-in-time view of the controller.
type DevServerStatus struct {
	State  string `json:"state"`
	Ready  bool   `json:"ready"`
	Pid    int    `json:"pid,omitempty"`
	Port   int    `json:"port"`
	Spawns int    `json:"spawns"`
}

// Status reports the child's state and readiness.
func (c *DevServerController) Status() DevServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := DevServerStatus{
		State:  process.StateNotStarted.String(),
		Ready:  c.detector.Ready(),
		Port:   c.port,
		Spawns: c.spawns,
	}
	if c.proc != nil {
		st.State = c.proc.State().String()
		st.Pid = c.proc.Pid()
	}
	return st
}

// Spawns returns how many children have been started.
func (c *DevServerController) Spawns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawns
}
