package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start on a supervisor that has already
	// spawned (or tried to spawn) its child.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrNotRunning is returned when an operation needs a live child.
	ErrNotRunning = errors.New("process not running")
)

// State is the lifecycle state of a supervised child process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// OutputHandler receives the child's output one line at a time. It is called
// from the reader goroutines and must be safe for concurrent use.
type OutputHandler interface {
	OnOutputLine(line string)
}

// OutputHandlerFunc adapts a function to OutputHandler.
type OutputHandlerFunc func(line string)

func (f OutputHandlerFunc) OnOutputLine(line string) { f(line) }

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger for the supervisor.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithStopTimeout sets how long Stop waits after SIGTERM before killing.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// Supervisor owns a single child process: it spawns it, streams its output to
// an OutputHandler and guarantees its termination on Stop.
type Supervisor struct {
	command     string
	args        []string
	logger      *slog.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	state    State
	stopping bool
	cmd      *exec.Cmd
	exitErr  error
	done     chan struct{}
}

// New creates a supervisor for command. Nothing is spawned until Start.
func New(command string, args []string, opts ...Option) *Supervisor {
	s := &Supervisor{
		command:     command,
		args:        append([]string(nil), args...),
		logger:      slog.Default(),
		stopTimeout: 5 * time.Second,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("command", command))
	return s
}

// Start spawns the child in dir with PORT, BROWSER=none and WDS_SOCKET_PORT
// injected into its environment, then returns without waiting for it.
// stdout and stderr are delivered line by line to handler (which may be nil).
func (s *Supervisor) Start(port int, dir string, env map[string]string, handler OutputHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	s.state = StateStarting

	cmd := exec.Command(s.command, s.args...)
	cmd.Dir = dir
	cmd.Env = buildEnv(port, env)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failStartLocked(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failStartLocked(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.failStartLocked(fmt.Errorf("start %s: %w", s.command, err))
	}

	s.cmd = cmd
	s.state = StateRunning
	s.logger.Info("child process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("port", port),
		slog.String("dir", dir),
	)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readLines(&readers, stdout, handler)
	go s.readLines(&readers, stderr, handler)
	go s.wait(&readers)

	return nil
}

func (s *Supervisor) failStartLocked(err error) error {
	s.state = StateStopped
	s.exitErr = err
	close(s.done)
	s.logger.Error("child process failed to start", slog.String("error", err.Error()))
	return err
}

func buildEnv(port int, extra map[string]string) []string {
	p := strconv.Itoa(port)
	env := append(os.Environ(),
		"PORT="+p,
		"BROWSER=none",
		// The browser-side socket client must dial the dev server directly.
		"WDS_SOCKET_PORT="+p,
	)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// readLines scans r until EOF. EOF arrives only once every process holding
// the write end has closed it, which includes grandchildren that inherited
// the child's stdout or stderr.
func (s *Supervisor) readLines(wg *sync.WaitGroup, r io.Reader, handler OutputHandler) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if handler != nil {
			handler.OnOutputLine(scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("output reader stopped", slog.String("error", err.Error()))
	}
}

// wait drains both pipes before reaping the child, so no output line is
// lost. If a grandchild keeps a pipe open after the child exits, the state
// stays StateRunning until it closes the pipe or Stop signals the group.
func (s *Supervisor) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := s.cmd.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.exitErr = err
	stopping := s.stopping
	s.mu.Unlock()
	close(s.done)

	switch {
	case stopping:
		s.logger.Info("child process stopped")
	case err != nil:
		s.logger.Warn("child process exited", slog.String("error", err.Error()))
	default:
		s.logger.Info("child process exited")
	}
}

// Stop terminates the child and blocks until it has exited. SIGTERM goes to
// the child's whole process group; if it is still alive after the stop
// timeout the group is killed. Calling Stop when nothing was started or the
// child is already gone is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return s.awaitExit(s.stopTimeout + 5*time.Second)
	}
	s.stopping = true
	cmd := s.cmd
	s.mu.Unlock()

	if err := terminate(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal child process", slog.String("error", err.Error()))
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(s.stopTimeout):
	}

	s.logger.Warn("child process did not exit in time, killing", slog.Duration("timeout", s.stopTimeout))
	if err := kill(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill child process: %w", err)
	}
	return s.awaitExit(5 * time.Second)
}

func (s *Supervisor) awaitExit(timeout time.Duration) error {
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("child process did not exit after %s", timeout)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the child's process id, or 0 if it was never spawned.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed once the child has exited or failed to spawn.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the spawn or wait error once the child is stopped.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}
