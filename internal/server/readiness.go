package server

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/rathix/frontdoor/internal/logging"
)

// Default markers printed by create-react-app style dev servers.
var (
	DefaultReadyMarkers   = []string{"You can now view"}
	DefaultWarningMarkers = []string{"To ignore, add"}
)

// DetectorOption configures a ReadinessDetector.
type DetectorOption func(*ReadinessDetector)

// WithDetectorLogger sets the logger the child's output lines go to.
func WithDetectorLogger(l *slog.Logger) DetectorOption {
	return func(d *ReadinessDetector) { d.logger = l }
}

// WithDetectorConsole sets the console used for readiness announcements.
func WithDetectorConsole(c *logging.Console) DetectorOption {
	return func(d *ReadinessDetector) { d.console = c }
}

// WithEcho copies every output line verbatim to w.
func WithEcho(w io.Writer) DetectorOption {
	return func(d *ReadinessDetector) { d.echo = w }
}

// ReadinessDetector watches the dev server's output for the lines that mean
// it is serving. It is a process.OutputHandler.
type ReadinessDetector struct {
	readyMarkers   []string
	warningMarkers []string
	logger         *slog.Logger
	console        *logging.Console
	echo           io.Writer

	ready atomic.Bool
}

// NewReadinessDetector creates a detector. Nil marker lists fall back to
// DefaultReadyMarkers and DefaultWarningMarkers.
func NewReadinessDetector(readyMarkers, warningMarkers []string, opts ...DetectorOption) *ReadinessDetector {
	if readyMarkers == nil {
		readyMarkers = DefaultReadyMarkers
	}
	if warningMarkers == nil {
		warningMarkers = DefaultWarningMarkers
	}
	d := &ReadinessDetector{
		readyMarkers:   readyMarkers,
		warningMarkers: warningMarkers,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnOutputLine inspects one line of child output.
func (d *ReadinessDetector) OnOutputLine(line string) {
	d.logger.Debug("dev server output", slog.String("line", line))
	if d.echo != nil {
		fmt.Fprintln(d.echo, line)
	}

	switch {
	case containsAny(line, d.readyMarkers):
		d.ready.Store(true)
		d.console.Info("Application ready.")
	case containsAny(line, d.warningMarkers):
		d.ready.Store(true)
		d.console.Warn("Application ready with warnings (find React logs in the browser developer toolbar).")
	}
}

// Ready reports whether a ready or warning marker has been seen since the
// last Reset.
func (d *ReadinessDetector) Ready() bool {
	return d.ready.Load()
}

// Reset forgets readiness, for a new child.
func (d *ReadinessDetector) Reset() {
	d.ready.Store(false)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
