package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// RouteHeader names the rule that served a response.
const RouteHeader = "X-Frontdoor-Route"

// Kind identifies what a rule does with a matching request.
type Kind int

const (
	KindDefault Kind = iota
	KindStatic
	KindDevProxy
	KindAPIProxy
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindStatic:
		return "static"
	case KindDevProxy:
		return "dev_proxy"
	case KindAPIProxy:
		return "api_proxy"
	default:
		return "unknown"
	}
}

// ProxyTarget is the upstream a proxy rule forwards to.
type ProxyTarget struct {
	BaseURL string
	Port    int
}

// DevTarget returns the loopback target of a dev server on port.
func DevTarget(port int) ProxyTarget {
	return ProxyTarget{BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port), Port: port}
}

// RouteRule is one entry of the route table.
type RouteRule struct {
	Pattern string
	Kind    Kind
	Target  ProxyTarget

	prefix string
	exact  bool
}

// match reports whether p falls under the rule and returns the path relative
// to the rule's prefix.
func (r RouteRule) match(p string) (string, bool) {
	if r.exact {
		if p == "" || p == "/" {
			return "", true
		}
		return "", false
	}
	if r.prefix == "" {
		return strings.TrimPrefix(p, "/"), true
	}
	if p == r.prefix {
		return "", true
	}
	if strings.HasPrefix(p, r.prefix+"/") {
		return strings.TrimPrefix(p, r.prefix+"/"), true
	}
	return "", false
}

func rootRule(kind Kind, target ProxyTarget) RouteRule {
	return RouteRule{Pattern: "/", Kind: kind, Target: target, exact: true}
}

func wildcardRule(kind Kind, target ProxyTarget) RouteRule {
	return RouteRule{Pattern: "/<path>", Kind: kind, Target: target}
}

// DevServer is the lazily started process behind dev proxy rules.
type DevServer interface {
	EnsureStarted(ctx context.Context) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithForwarder sets the forwarder used by proxy rules.
func WithForwarder(f *Forwarder) RouterOption {
	return func(r *Router) { r.forwarder = f }
}

// WithRouterLogger sets the router's logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithDefaultAssets installs a default rule serving fsys at every path. Any
// Register call removes it before adding its own rules.
func WithDefaultAssets(fsys fs.FS) RouterOption {
	return func(r *Router) { r.defaultAssets = NewStaticResolverFS(fsys) }
}

// WithBasePath mounts the route table under basePath as well as at the root.
func WithBasePath(basePath string) RouterOption {
	return func(r *Router) { r.basePath = NormalizeBasePath(basePath) }
}

// Router holds an ordered route table and dispatches each request to exactly
// one rule: the first whose prefix matches. The table is built with the
// Register methods and frozen when the first request is routed.
type Router struct {
	mu     sync.Mutex
	sealed atomic.Bool

	rules         []RouteRule
	mode          Kind // KindDefault until a fallback is registered
	forwarder     *Forwarder
	static        *StaticResolver
	defaultAssets *StaticResolver
	devServer     DevServer
	basePath      string
	logger        *slog.Logger
}

// NewRouter creates a router. Without WithDefaultAssets the table starts empty.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		basePath: "/",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.forwarder == nil {
		r.forwarder = NewForwarder(WithForwarderLogger(r.logger))
	}
	if r.defaultAssets != nil {
		r.rules = append(r.rules, wildcardRule(KindDefault, ProxyTarget{}))
	}
	return r
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// checkMutableLocked rejects registration once the table is frozen.
func (r *Router) checkMutableLocked() error {
	if r.sealed.Load() {
		return configErr("route table is frozen once requests are being served")
	}
	return nil
}

func (r *Router) clearDefaultLocked() {
	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.Kind != KindDefault {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// RegisterAPIProxy forwards requests under prefix to baseURL with the prefix
// stripped. It must be called before RegisterStatic or RegisterDevProxy.
func (r *Router) RegisterAPIProxy(prefix, baseURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutableLocked(); err != nil {
		return err
	}

	normalized := "/" + strings.Trim(strings.TrimSpace(prefix), "/")
	if normalized == "/" {
		return configErr("api proxy prefix must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configErr("api proxy %s: target must be an absolute http(s) URL, got %q", normalized, baseURL)
	}
	if r.mode != KindDefault {
		return configErr("api proxy %s must be registered before the %s fallback", normalized, r.mode)
	}
	for _, rule := range r.rules {
		if rule.Kind == KindAPIProxy && rule.prefix == normalized {
			return configErr("api proxy %s registered twice", normalized)
		}
	}

	r.clearDefaultLocked()
	r.rules = append(r.rules, RouteRule{
		Pattern: normalized + "/<path>",
		Kind:    KindAPIProxy,
		Target:  ProxyTarget{BaseURL: baseURL},
		prefix:  normalized,
	})
	return nil
}

// RegisterStatic serves files under root, falling back to index.html. It is
// mutually exclusive with RegisterDevProxy.
func (r *Router) RegisterStatic(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutableLocked(); err != nil {
		return err
	}
	if err := r.checkFallbackFreeLocked(KindStatic); err != nil {
		return err
	}

	resolver, err := NewStaticResolver(root)
	if err != nil {
		return err
	}

	r.clearDefaultLocked()
	r.static = resolver
	r.mode = KindStatic
	r.rules = append(r.rules, rootRule(KindStatic, ProxyTarget{}), wildcardRule(KindStatic, ProxyTarget{}))
	return nil
}

// RegisterDevProxy forwards every request not claimed by an API prefix to the
// dev server on 127.0.0.1:port. dev, when non-nil, is started lazily on the
// first such request. It is mutually exclusive with RegisterStatic.
func (r *Router) RegisterDevProxy(port int, dev DevServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkMutableLocked(); err != nil {
		return err
	}
	if err := r.checkFallbackFreeLocked(KindDevProxy); err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return configErr("dev server port must be between 1 and 65535, got %d", port)
	}

	target := DevTarget(port)
	r.clearDefaultLocked()
	r.devServer = dev
	r.mode = KindDevProxy
	r.rules = append(r.rules, rootRule(KindDevProxy, target), wildcardRule(KindDevProxy, target))
	return nil
}

func (r *Router) checkFallbackFreeLocked(want Kind) error {
	switch r.mode {
	case KindDefault:
		return nil
	case want:
		return configErr("%s serving registered twice", want)
	default:
		return configErr("%s and %s serving are mutually exclusive", r.mode, want)
	}
}

// Routes returns a copy of the route table in evaluation order.
func (r *Router) Routes() []RouteRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RouteRule(nil), r.rules...)
}

// seal freezes the table. After it returns, rules are read without locking.
func (r *Router) seal() {
	if r.sealed.Load() {
		return
	}
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Match returns the first rule matching p and the path relative to it.
func (r *Router) Match(p string) (RouteRule, string, bool) {
	r.seal()
	p = stripBasePath(r.basePath, p)
	for _, rule := range r.rules {
		if rel, ok := rule.match(p); ok {
			return rule, rel, true
		}
	}
	return RouteRule{}, "", false
}

// Result is what a routed request resolved to: a file to serve from FS, or a
// proxied response.
type Result struct {
	Rule     RouteRule
	File     string
	FS       fs.FS
	Response *ProxiedResponse
}

// Route selects the rule for req.Path and runs it. The returned error wraps
// one of the package's sentinel errors; StatusFor maps it to a status code.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	rule, rel, ok := r.Match(req.Path)
	if !ok {
		return nil, fmt.Errorf("%w: no route for %q", ErrNotFound, req.Path)
	}
	return r.dispatch(ctx, rule, rel, req)
}

func (r *Router) dispatch(ctx context.Context, rule RouteRule, rel string, req Request) (*Result, error) {
	res := &Result{Rule: rule}
	req.Path = rel

	switch rule.Kind {
	case KindStatic, KindDefault:
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			return res, fmt.Errorf("%w: %s", ErrMethodNotAllowed, req.Method)
		}
		resolver := r.static
		if rule.Kind == KindDefault {
			resolver = r.defaultAssets
		}
		name, err := resolver.Resolve(rel)
		if err != nil {
			return res, err
		}
		res.File = name
		res.FS = resolver.FS()
		return res, nil

	case KindDevProxy:
		if r.devServer != nil {
			if err := r.devServer.EnsureStarted(ctx); err != nil {
				return res, err
			}
		}
		resp, err := r.forwarder.Forward(ctx, rule.Target.BaseURL, req)
		if err != nil {
			return res, err
		}
		res.Response = resp
		return res, nil

	case KindAPIProxy:
		apiResp, err := r.forwarder.ForwardAPI(ctx, rule.Target.BaseURL, req)
		if err != nil {
			return res, err
		}
		resp, err := encodeAPIResponse(apiResp)
		if err != nil {
			return res, err
		}
		res.Response = resp
		return res, nil
	}
	return res, fmt.Errorf("%w: unknown rule kind %d", ErrConfiguration, rule.Kind)
}

// encodeAPIResponse re-serializes decoded API data as JSON.
func encodeAPIResponse(apiResp *APIResponse) (*ProxiedResponse, error) {
	resp := &ProxiedResponse{StatusCode: apiResp.StatusCode}
	if apiResp.Empty {
		return resp, nil
	}
	body, err := json.Marshal(apiResp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: encode response: %w", ErrUpstreamProtocol, err)
	}
	resp.ContentType = "application/json"
	resp.Body = body
	return resp, nil
}

// ServeHTTP implements http.Handler on top of Route.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rule, rel, ok := r.Match(req.URL.Path)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set(RouteHeader, rule.Pattern)

	res, err := r.dispatch(req.Context(), rule, rel, Request{
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	})
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	if res.Response != nil {
		writeProxied(w, res.Response)
		return
	}
	if err := serveFile(w, req, res.FS, res.File); err != nil {
		r.writeError(w, req, err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", "GET, HEAD")
	}
	if status == http.StatusNotFound {
		r.logger.Debug("not found", slog.String("path", req.URL.Path))
	}
	http.Error(w, http.StatusText(status), status)
}

func writeProxied(w http.ResponseWriter, resp *ProxiedResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func serveFile(w http.ResponseWriter, req *http.Request, fsys fs.FS, name string) error {
	f, err := fsys.Open(name)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrNotFound, name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %q: %w", ErrNotFound, name, err)
	}

	var content io.ReadSeeker
	if rs, ok := f.(io.ReadSeeker); ok {
		content = rs
	} else {
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read %q: %w", name, err)
		}
		content = bytes.NewReader(data)
	}

	http.ServeContent(w, req, name, info.ModTime(), content)
	return nil
}

// Swapper serves the current Router and lets a freshly built one replace it
// atomically, e.g. after a configuration reload.
type Swapper struct {
	current atomic.Pointer[Router]
}

// NewSwapper creates a Swapper serving r.
func NewSwapper(r *Router) *Swapper {
	s := &Swapper{}
	s.current.Store(r)
	return s
}

// Swap installs r and returns the router it replaced.
func (s *Swapper) Swap(r *Router) *Router {
	return s.current.Swap(r)
}

// Current returns the router currently serving requests.
func (s *Swapper) Current() *Router {
	return s.current.Load()
}

func (s *Swapper) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.current.Load().ServeHTTP(w, req)
}
