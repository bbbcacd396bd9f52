package health

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"
)

// DefaultInterval is how often upstreams are probed.
const DefaultInterval = 30 * time.Second

// Status is the reachability of an upstream.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// HTTPProber abstracts *http.Client for testability.
type HTTPProber interface {
	Do(req *http.Request) (*http.Response, error)
}

// Target is one upstream to probe.
type Target struct {
	Name string
	URL  string
}

// Result is the outcome of the latest probe of a target.
type Result struct {
	Name           string     `json:"name"`
	URL            string     `json:"url"`
	Status         Status     `json:"status"`
	HTTPCode       int        `json:"httpCode,omitempty"`
	ResponseTimeMs int64      `json:"responseTimeMs"`
	Error          string     `json:"error,omitempty"`
	LastChecked    *time.Time `json:"lastChecked,omitempty"`
	LastChange     *time.Time `json:"lastChange,omitempty"`
}

var _ supervisor.Runnable = (*Checker)(nil)

// Checker periodically probes the proxy targets so the health endpoint can
// report which upstreams are reachable. Any HTTP response counts as up: the
// router passes upstream error statuses through, so only transport failures
// make a target unusable.
type Checker struct {
	targets  func() []Target
	client   HTTPProber
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	results map[string]Result
	cancel  context.CancelFunc
}

// NewChecker creates a checker. targets is called before every cycle so the
// set can change across config reloads. If logger is nil, a no-op logger is used.
func NewChecker(targets func() []Target, client HTTPProber, interval time.Duration, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		targets:  targets,
		client:   client,
		interval: interval,
		logger:   logger.With("component", "health"),
		results:  map[string]Result{},
	}
}

func (c *Checker) String() string {
	return "health.Checker"
}

// Run performs an immediate check, then checks at the configured interval.
// It returns nil when ctx is cancelled or Stop is called.
func (c *Checker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.checkAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// Stop ends a running Run loop.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Results returns the latest result per target, ordered by name. Targets not
// probed yet are reported as unknown.
func (c *Checker) Results() []Result {
	targets := c.targets()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Result, 0, len(targets))
	for _, t := range targets {
		res, ok := c.results[t.Name]
		if !ok || res.URL != t.URL {
			res = Result{Name: t.Name, URL: t.URL, Status: StatusUnknown}
		}
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b Result) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// checkAll probes every target concurrently.
func (c *Checker) checkAll(ctx context.Context) {
	targets := c.targets()
	if len(targets) == 0 {
		return
	}

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, t := range targets {
		go func(t Target) {
			defer wg.Done()
			c.record(t, c.probe(ctx, t.URL))
		}(t)
	}
	wg.Wait()

	c.logger.Debug("health check cycle complete",
		"targets", len(targets),
		"durationMs", time.Since(start).Milliseconds(),
	)
}

const maxSnippetLen = 256

type probeResult struct {
	status         Status
	httpCode       int
	responseTimeMs int64
	err            string
}

// probe performs a single HTTP GET against url.
func (c *Checker) probe(ctx context.Context, url string) probeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{status: StatusDown, err: err.Error()}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	responseTimeMs := time.Since(start).Milliseconds()
	if err != nil {
		return probeResult{
			status:         StatusDown,
			responseTimeMs: responseTimeMs,
			err:            snippet(err.Error()),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return probeResult{
		status:         StatusUp,
		httpCode:       resp.StatusCode,
		responseTimeMs: responseTimeMs,
	}
}

// record stores res for t and logs status transitions.
func (c *Checker) record(t Target, res probeResult) {
	now := time.Now()

	c.mu.Lock()
	prev, seen := c.results[t.Name]
	next := Result{
		Name:           t.Name,
		URL:            t.URL,
		Status:         res.status,
		HTTPCode:       res.httpCode,
		ResponseTimeMs: res.responseTimeMs,
		Error:          res.err,
		LastChecked:    &now,
		LastChange:     prev.LastChange,
	}
	changed := !seen || prev.Status != res.status || prev.URL != t.URL
	if changed {
		next.LastChange = &now
	}
	c.results[t.Name] = next
	c.mu.Unlock()

	if changed {
		from := StatusUnknown
		if seen {
			from = prev.Status
		}
		c.logger.Info("upstream health changed",
			"upstream", t.Name,
			"url", t.URL,
			"from", string(from),
			"to", string(res.status),
		)
	}
	c.logger.Debug("health check completed",
		"upstream", t.Name,
		"status", string(res.status),
		"responseTimeMs", res.responseTimeMs,
	)
}

// snippet returns the first line of s, truncated to maxSnippetLen.
func snippet(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if len(s) > maxSnippetLen {
		s = s[:maxSnippetLen]
	}
	return s
}
