package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/rathix/frontdoor"
	"github.com/rathix/frontdoor/internal/config"
	"github.com/rathix/frontdoor/internal/health"
	"github.com/rathix/frontdoor/internal/logging"
	"github.com/rathix/frontdoor/internal/server"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// consoleTag prefixes the dev server's lifecycle lines.
const consoleTag = "REACT"

// loaded is the merged startup configuration.
type loaded struct {
	Config      *config.Config
	ConfigFile  string
	ShowVersion bool
	// Warnings are non-fatal problems found in the config file.
	Warnings []error
	// APIOverrides are the API proxy entries given by env or flags. They
	// survive config file reloads.
	APIOverrides map[string]string
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("frontdoor version %s\n", Version)
			return
		}
	}

	lc, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if lc.ShowVersion {
		fmt.Printf("frontdoor version %s\n", Version)
		return
	}

	logger, err := logging.Setup(lc.Config.Log.Format, lc.Config.Log.Level, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, w := range lc.Warnings {
		logger.Warn("Config validation warning", "error", w)
	}
	if err := config.Validate(lc.Config); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), logger, lc); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// proxyFlag collects repeated -api-proxy prefix=url values.
type proxyFlag map[string]string

func (p proxyFlag) String() string {
	parts := make([]string, 0, len(p))
	for _, prefix := range slices.Sorted(maps.Keys(p)) {
		parts = append(parts, prefix+"="+p[prefix])
	}
	return strings.Join(parts, ",")
}

func (p proxyFlag) Set(value string) error {
	for entry := range strings.SplitSeq(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, target, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(prefix) == "" || strings.TrimSpace(target) == "" {
			return fmt.Errorf("expected prefix=url, got %q", entry)
		}
		p[strings.TrimSpace(prefix)] = strings.TrimSpace(target)
	}
	return nil
}

// loadConfig merges defaults, the config file, environment variables and
// flags. Precedence: Flag > Env > File > Default.
func loadConfig(args []string) (*loaded, error) {
	fs := flag.NewFlagSet("frontdoor", flag.ContinueOnError)

	var (
		configFile    = fs.String("config", getEnv("FRONTDOOR_CONFIG", ""), "path to YAML or TOML config file")
		showVersion   = fs.Bool("version", false, "print version and exit")
		mode          = fs.String("mode", "", "serving mode: static or dev")
		staticRoot    = fs.String("static-root", "", "directory of pre-built assets (static mode)")
		devSourceRoot = fs.String("dev-source-root", "", "front-end app sources (dev mode)")
		devPort       = fs.Int("dev-port", 0, "port of the dev server child")
		listenAddr    = fs.String("listen-addr", "", "listen address")
		logFormat     = fs.String("log-format", "", "log format (json, text or pretty)")
		logLevel      = fs.String("log-level", "", "log level (debug, info, warn, error)")
		proxyTimeout  = fs.String("proxy-timeout", "", "timeout for every outbound proxy call")
		basePath      = fs.String("base-path", "", "sub-path the origin is mounted under behind a reverse proxy")
		apiProxy      = proxyFlag{}
	)
	fs.Var(apiProxy, "api-proxy", "forward prefix=url to a remote JSON API (repeatable)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	lc := &loaded{
		Config:       &config.Config{},
		ConfigFile:   *configFile,
		ShowVersion:  *showVersion,
		APIOverrides: map[string]string{},
	}

	if lc.ConfigFile != "" {
		cfg, errs := config.Load(lc.ConfigFile)
		if cfg == nil {
			return nil, fmt.Errorf("config %s: %w", lc.ConfigFile, errors.Join(errs...))
		}
		lc.Config = cfg
		lc.Warnings = errs
	}
	cfg := lc.Config

	if err := applyEnv(cfg, lc.APIOverrides); err != nil {
		return nil, err
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	overrideString(set, "mode", &cfg.Mode, *mode)
	overrideString(set, "static-root", &cfg.StaticRoot, *staticRoot)
	overrideString(set, "dev-source-root", &cfg.DevSourceRoot, *devSourceRoot)
	overrideString(set, "listen-addr", &cfg.ListenAddr, *listenAddr)
	overrideString(set, "log-format", &cfg.Log.Format, *logFormat)
	overrideString(set, "log-level", &cfg.Log.Level, *logLevel)
	overrideString(set, "proxy-timeout", &cfg.ProxyTimeout, *proxyTimeout)
	overrideString(set, "base-path", &cfg.BasePath, *basePath)
	if set["dev-port"] {
		cfg.DevServer.Port = *devPort
	}
	maps.Copy(lc.APIOverrides, apiProxy)

	cfg.ApplyDefaults()
	maps.Copy(cfg.APIProxy, lc.APIOverrides)
	return lc, nil
}

func overrideString(set map[string]bool, name string, dst *string, value string) {
	if set[name] {
		*dst = value
	}
}

// applyEnv overlays FRONTDOOR_* variables on cfg. MODE is honored for
// compatibility when FRONTDOOR_MODE is unset.
func applyEnv(cfg *config.Config, apiOverrides map[string]string) error {
	if v, ok := os.LookupEnv("MODE"); ok {
		cfg.Mode = v
	}
	envString("FRONTDOOR_MODE", &cfg.Mode)
	envString("FRONTDOOR_STATIC_ROOT", &cfg.StaticRoot)
	envString("FRONTDOOR_DEV_SOURCE_ROOT", &cfg.DevSourceRoot)
	envString("FRONTDOOR_LISTEN_ADDR", &cfg.ListenAddr)
	envString("FRONTDOOR_LOG_FORMAT", &cfg.Log.Format)
	envString("FRONTDOOR_LOG_LEVEL", &cfg.Log.Level)
	envString("FRONTDOOR_PROXY_TIMEOUT", &cfg.ProxyTimeout)
	envString("FRONTDOOR_BASE_PATH", &cfg.BasePath)

	if v, ok := os.LookupEnv("FRONTDOOR_DEV_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FRONTDOOR_DEV_PORT %q: %w", v, err)
		}
		cfg.DevServer.Port = port
	}
	if v, ok := os.LookupEnv("FRONTDOOR_API_PROXY"); ok {
		if err := proxyFlag(apiOverrides).Set(v); err != nil {
			return fmt.Errorf("invalid FRONTDOOR_API_PROXY: %w", err)
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// run wires the origin together and blocks until the supervisor shuts down.
func run(ctx context.Context, logger *slog.Logger, lc *loaded) error {
	cfg := lc.Config
	logger.Info("Starting frontdoor", "version", Version, "mode", cfg.Mode, "listen_addr", cfg.ListenAddr)

	forwarder := server.NewForwarder(
		server.WithProxyTimeout(cfg.ProxyTimeoutDuration()),
		server.WithForwarderLogger(logger.With("component", "proxy")),
	)

	var (
		devServer server.DevServer
		devStatus server.DevStatusReporter
		dev       *server.DevServerController
	)
	if cfg.Mode == config.ModeDev {
		var err error
		dev, err = newDevController(cfg, logger, logging.NewConsole(consoleTag, os.Stdout))
		if err != nil {
			return fmt.Errorf("failed to create dev server controller: %w", err)
		}
		defer dev.Close()
		devServer, devStatus = dev, dev
		logger.Info("Dev mode: proxying to dev server", "url", server.DevTarget(cfg.DevServer.Port).BaseURL)
	}

	router, err := buildRouter(cfg, forwarder, devServer, logger)
	if err != nil {
		return fmt.Errorf("failed to build routes: %w", err)
	}
	swapper := server.NewSwapper(router)

	checker := health.NewChecker(
		func() []health.Target { return upstreamTargets(swapper.Current()) },
		&http.Client{Timeout: 5 * time.Second},
		health.DefaultInterval,
		logger,
	)

	mux := http.NewServeMux()
	mux.Handle(server.HealthPath, server.HealthHandler(cfg.Mode, devStatus, checker))
	mux.Handle("/", swapper)

	var handler http.Handler = mux
	handler = server.RequestIDMiddleware(handler)
	handler = server.AccessLogMiddleware(logger, handler)
	handler = server.ProxyHeaderMiddleware(handler)

	runnables := []supervisor.Runnable{
		server.NewListener(cfg.ListenAddr, handler, logger),
		checker,
	}
	if dev != nil {
		runnables = append(runnables, dev)
	}
	if lc.ConfigFile != "" {
		r := &reloader{
			active:       cfg,
			apiOverrides: lc.APIOverrides,
			forwarder:    forwarder,
			devServer:    devServer,
			swapper:      swapper,
			logger:       logger,
		}
		runnables = append(runnables, config.NewWatcher(lc.ConfigFile, r.apply, logger))
	}

	super, err := supervisor.New(
		supervisor.WithContext(ctx),
		supervisor.WithLogHandler(logger.Handler()),
		supervisor.WithRunnables(runnables...),
	)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	if err := super.Run(); err != nil {
		return fmt.Errorf("failed to run server: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func newDevController(cfg *config.Config, logger *slog.Logger, console *logging.Console) (*server.DevServerController, error) {
	detectorOpts := []server.DetectorOption{
		server.WithDetectorLogger(logger.With("component", "devserver")),
		server.WithDetectorConsole(console),
	}
	if cfg.DevServer.EchoOutput {
		detectorOpts = append(detectorOpts, server.WithEcho(os.Stdout))
	}

	return server.NewDevServerController(cfg.DevSourceRoot, cfg.DevServer.Port,
		server.WithDevCommand(cfg.DevServer.Command, cfg.DevCommandArgs()),
		server.WithDevEnv(cfg.DevServer.Env),
		server.WithDevStopTimeout(cfg.StopTimeoutDuration()),
		server.WithDevLogger(logger),
		server.WithDevConsole(console),
		server.WithReadinessDetector(server.NewReadinessDetector(
			cfg.DevServer.ReadyMarkers,
			cfg.DevServer.WarningMarkers,
			detectorOpts...,
		)),
	)
}

// buildRouter registers the API prefixes, most specific first, and then the
// static or dev fallback.
func buildRouter(cfg *config.Config, forwarder *server.Forwarder, dev server.DevServer, logger *slog.Logger) (*server.Router, error) {
	router := server.NewRouter(
		server.WithForwarder(forwarder),
		server.WithRouterLogger(logger.With("component", "router")),
		server.WithBasePath(cfg.BasePath),
		server.WithDefaultAssets(frontdoor.Assets()),
	)

	for _, rule := range cfg.APIProxyRules() {
		if err := router.RegisterAPIProxy(rule.Prefix, rule.Target); err != nil {
			return nil, err
		}
	}

	switch cfg.Mode {
	case config.ModeStatic:
		if err := router.RegisterStatic(cfg.StaticRoot); err != nil {
			return nil, err
		}
	case config.ModeDev:
		if err := router.RegisterDevProxy(cfg.DevServer.Port, dev); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// upstreamTargets lists the distinct proxy targets of router's table.
func upstreamTargets(router *server.Router) []health.Target {
	var targets []health.Target
	seen := map[string]bool{}
	for _, rule := range router.Routes() {
		var name string
		switch rule.Kind {
		case server.KindAPIProxy:
			name = strings.TrimSuffix(rule.Pattern, "/<path>")
		case server.KindDevProxy:
			name = "devServer"
		default:
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		targets = append(targets, health.Target{Name: name, URL: rule.Target.BaseURL})
	}
	return targets
}

// reloader applies config file changes to the API proxy table. Mode, roots
// and the dev server port need a restart.
type reloader struct {
	mu           sync.Mutex
	active       *config.Config
	apiOverrides map[string]string
	forwarder    *server.Forwarder
	devServer    server.DevServer
	swapper      *server.Swapper
	logger       *slog.Logger
}

func (r *reloader) apply(newCfg *config.Config, errs []error) {
	for _, e := range errs {
		if newCfg == nil {
			r.logger.Error("Config reload parse failed", "error", e)
		} else {
			r.logger.Warn("Config reload validation warning", "error", e)
		}
	}
	if newCfg == nil {
		// Keep the last-known-good routes when reload parsing fails.
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, field := range restartRequired(r.active, newCfg) {
		r.logger.Warn("Config change requires a restart, ignoring", "field", field)
	}

	next := *r.active
	next.APIProxy = map[string]string{}
	maps.Copy(next.APIProxy, newCfg.APIProxy)
	maps.Copy(next.APIProxy, r.apiOverrides)

	router, err := buildRouter(&next, r.forwarder, r.devServer, r.logger)
	if err != nil {
		r.logger.Error("Config reload rejected, keeping current routes", "error", err)
		return
	}
	r.swapper.Swap(router)
	r.active = &next
	r.logger.Info("Config reloaded", "api_proxies", len(next.APIProxy))
}

// restartRequired lists the fields set in newCfg that differ from the
// running configuration but cannot be applied live.
func restartRequired(active, newCfg *config.Config) []string {
	var fields []string
	if newCfg.Mode != "" && newCfg.Mode != active.Mode {
		fields = append(fields, "mode")
	}
	if newCfg.StaticRoot != "" && newCfg.StaticRoot != active.StaticRoot {
		fields = append(fields, "staticRoot")
	}
	if newCfg.DevSourceRoot != "" && newCfg.DevSourceRoot != active.DevSourceRoot {
		fields = append(fields, "devSourceRoot")
	}
	if newCfg.DevServer.Port != 0 && newCfg.DevServer.Port != active.DevServer.Port {
		fields = append(fields, "devServer.port")
	}
	if newCfg.ListenAddr != "" && newCfg.ListenAddr != active.ListenAddr {
		fields = append(fields, "listenAddr")
	}
	return fields
}
