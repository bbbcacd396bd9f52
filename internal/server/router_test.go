package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
)

func writeStaticRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"index.html":        "<html>index</html>",
		"static/js/main.js": "main()",
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestRouter(opts ...RouterOption) *Router {
	base := []RouterOption{
		WithRouterLogger(quietLogger()),
		WithForwarder(newTestForwarder()),
	}
	return NewRouter(append(base, opts...)...)
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

type fakeDevServer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeDevServer) EnsureStarted(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestNewRouterWithoutDefaultIsEmpty(t *testing.T) {
	r := newTestRouter()
	if n := len(r.Routes()); n != 0 {
		t.Errorf("expected empty table, got %d rules", n)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no rules, got %d", rec.Code)
	}
}

func TestRegisterClearsDefaultRule(t *testing.T) {
	r := newTestRouter(WithDefaultAssets(testAssets()))
	routes := r.Routes()
	if len(routes) != 1 || routes[0].Kind != KindDefault {
		t.Fatalf("expected a single default rule, got %+v", routes)
	}

	if err := r.RegisterAPIProxy("/api", "http://127.0.0.1:1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rule := range r.Routes() {
		if rule.Kind == KindDefault {
			t.Errorf("default rule survived registration: %+v", rule)
		}
	}
}

func TestRegisterStaticInstallsTwoRules(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterStatic(writeStaticRoot(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	routes := r.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(routes))
	}
	if routes[0].Pattern != "/" || routes[1].Pattern != "/<path>" {
		t.Errorf("unexpected patterns %q, %q", routes[0].Pattern, routes[1].Pattern)
	}
	for _, rule := range routes {
		if rule.Kind != KindStatic {
			t.Errorf("expected static rule, got %s", rule.Kind)
		}
	}
}

func TestRegisterDevProxyInstallsTwoRules(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterDevProxy(3005, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	routes := r.Routes()
	if len(routes) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(routes))
	}
	for _, rule := range routes {
		if rule.Kind != KindDevProxy || rule.Target.BaseURL != "http://127.0.0.1:3005" || rule.Target.Port != 3005 {
			t.Errorf("unexpected rule %+v", rule)
		}
	}
}

func TestRegistrationErrors(t *testing.T) {
	staticRoot := writeStaticRoot(t)

	tests := []struct {
		name  string
		setup func(r *Router) error
	}{
		{"static then dev", func(r *Router) error {
			if err := r.RegisterStatic(staticRoot); err != nil {
				return nil
			}
			return r.RegisterDevProxy(3005, nil)
		}},
		{"dev then static", func(r *Router) error {
			if err := r.RegisterDevProxy(3005, nil); err != nil {
				return nil
			}
			return r.RegisterStatic(staticRoot)
		}},
		{"static twice", func(r *Router) error {
			if err := r.RegisterStatic(staticRoot); err != nil {
				return nil
			}
			return r.RegisterStatic(staticRoot)
		}},
		{"api after fallback", func(r *Router) error {
			if err := r.RegisterStatic(staticRoot); err != nil {
				return nil
			}
			return r.RegisterAPIProxy("/api", "http://127.0.0.1:1")
		}},
		{"duplicate prefix", func(r *Router) error {
			if err := r.RegisterAPIProxy("/api", "http://127.0.0.1:1"); err != nil {
				return nil
			}
			return r.RegisterAPIProxy("api/", "http://127.0.0.1:2")
		}},
		{"empty prefix", func(r *Router) error { return r.RegisterAPIProxy(" / ", "http://127.0.0.1:1") }},
		{"relative target", func(r *Router) error { return r.RegisterAPIProxy("/api", "api.internal/v1") }},
		{"non-http target", func(r *Router) error { return r.RegisterAPIProxy("/api", "ftp://api.internal") }},
		{"missing static root", func(r *Router) error { return r.RegisterStatic(filepath.Join(staticRoot, "nope")) }},
		{"dev port zero", func(r *Router) error { return r.RegisterDevProxy(0, nil) }},
		{"dev port too large", func(r *Router) error { return r.RegisterDevProxy(65536, nil) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.setup(newTestRouter())
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestRegistrationAfterFirstRequestFails(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterAPIProxy("/api", "http://127.0.0.1:1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Match("/anything")

	if err := r.RegisterAPIProxy("/other", "http://127.0.0.1:1"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration after sealing, got %v", err)
	}
	if err := r.RegisterDevProxy(3005, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration after sealing, got %v", err)
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	r := newTestRouter()
	for _, p := range []string{"/api/v2", "/api"} {
		if err := r.RegisterAPIProxy(p, "http://127.0.0.1:1"+p); err != nil {
			t.Fatalf("register %s: %v", p, err)
		}
	}
	if err := r.RegisterDevProxy(3005, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		path    string
		pattern string
		rel     string
	}{
		{"/api/v2/users", "/api/v2/<path>", "users"},
		{"/api/v2", "/api/v2/<path>", ""},
		{"/api/v1/users", "/api/<path>", "v1/users"},
		{"/api", "/api/<path>", ""},
		{"/apiary", "/<path>", "apiary"},
		{"/", "/", ""},
		{"/static/js/main.js", "/<path>", "static/js/main.js"},
	}
	for _, tc := range tests {
		rule, rel, ok := r.Match(tc.path)
		if !ok {
			t.Errorf("Match(%q): no rule", tc.path)
			continue
		}
		if rule.Pattern != tc.pattern || rel != tc.rel {
			t.Errorf("Match(%q) = %q, %q; want %q, %q", tc.path, rule.Pattern, rel, tc.pattern, tc.rel)
		}
	}
}

func TestStaticModeServesFiles(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterStatic(writeStaticRoot(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		path    string
		body    string
		pattern string
	}{
		{"/", "<html>index</html>", "/"},
		{"/static/js/main.js", "main()", "/<path>"},
		{"/users/42", "<html>index</html>", "/<path>"},
		{"/static/../../../etc/passwd", "<html>index</html>", "/<path>"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tc.path, rec.Code)
		}
		if rec.Body.String() != tc.body {
			t.Errorf("%s: expected %q, got %q", tc.path, tc.body, rec.Body.String())
		}
		if got := rec.Header().Get(RouteHeader); got != tc.pattern {
			t.Errorf("%s: expected route %q, got %q", tc.path, tc.pattern, got)
		}
	}
}

func TestRouteReturnsResult(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterStatic(writeStaticRoot(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := r.Route(context.Background(), Request{Method: http.MethodGet, Path: "/static/js/main.js"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.File != "static/js/main.js" || res.FS == nil || res.Response != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Rule.Kind != KindStatic {
		t.Errorf("expected static rule, got %s", res.Rule.Kind)
	}
}

func TestAPIProxyRoundTrip(t *testing.T) {
	var gotPath string
	api := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"users": [ {"id": 1} ]}`))
	}))
	defer api.Close()

	r := newTestRouter()
	if err := r.RegisterAPIProxy("/api/", api.URL+"/v1/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RegisterStatic(writeStaticRoot(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotPath != "/v1/users" {
		t.Errorf("expected upstream path /v1/users, got %q", gotPath)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if body := rec.Body.String(); body != `{"users":[{"id":1}]}` {
		t.Errorf("expected re-serialized JSON, got %q", body)
	}
	if got := rec.Header().Get(RouteHeader); got != "/api/<path>" {
		t.Errorf("expected route '/api/<path>', got %q", got)
	}
}

func TestAPIProxyEmptyResponse(t *testing.T) {
	api := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()

	r := newTestRouter()
	if err := r.RegisterAPIProxy("/api", api.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/items/1", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestAPIProxyNullBodyIsKept(t *testing.T) {
	api := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("null"))
	}))
	defer api.Close()

	r := newTestRouter()
	if err := r.RegisterAPIProxy("/api", api.URL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lookup", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if rec.Body.String() != "null" {
		t.Errorf("expected null, got %q", rec.Body.String())
	}
}

func TestAPIProxyErrorMapping(t *testing.T) {
	r := newTestRouter()
	if err := r.RegisterAPIProxy("/down", closedURL(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/down/users", http.StatusServiceUnavailable},
		{http.MethodOptions, "/down/users", http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "127.0.0.1") {
			t.Errorf("error detail leaked to client: %q", rec.Body.String())
		}
	}
}

func TestDevProxyStartsDevServerAndForwards(t *testing.T) {
	dev := startLocalHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("dev:" + r.Method + " " + r.URL.RequestURI() + " " + string(body)))
	}))
	defer dev.Close()

	starter := &fakeDevServer{}
	r := newTestRouter()
	if err := r.RegisterDevProxy(serverPort(t, dev), starter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		method, path, body, want string
	}{
		{http.MethodGet, "/", "", "dev:GET / "},
		{http.MethodGet, "/dashboard/settings?tab=2", "", "dev:GET /dashboard/settings?tab=2 "},
		{http.MethodPost, "/sockjs-node/info", "x=1", "dev:POST /sockjs-node/info x=1"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", tc.path, rec.Code)
		}
		if rec.Body.String() != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.path, tc.want, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/html" {
			t.Errorf("%s: expected passthrough content type, got %q", tc.path, ct)
		}
	}
	if n := starter.calls.Load(); n != int32(len(tests)) {
		t.Errorf("expected EnsureStarted on every dev request, got %d", n)
	}
}

func TestDevProxyNotReadyIs503(t *testing.T) {
	u, _ := url.Parse(closedURL(t))
	port, _ := strconv.Atoi(u.Port())

	r := newTestRouter()
	if err := r.RegisterDevProxy(port, &fakeDevServer{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while the dev server is booting, got %d", rec.Code)
	}
}

func TestDevProxyStartFailureIs503(t *testing.T) {
	starter := &fakeDevServer{err: ErrUpstreamUnavailable}
	r := newTestRouter()
	if err := r.RegisterDevProxy(3005, starter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestBasePathStrippedBeforeMatching(t *testing.T) {
	r := newTestRouter(WithBasePath("/app"), WithDefaultAssets(fstest.MapFS{
		"index.html": {Data: []byte("index")},
		"logo.svg":   {Data: []byte("<svg/>")},
	}))

	for _, p := range []string{"/app/logo.svg", "/logo.svg"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Body.String() != "<svg/>" {
			t.Errorf("%s: expected logo, got %q", p, rec.Body.String())
		}
	}
}

func TestSwapperReplacesRouter(t *testing.T) {
	first := newTestRouter(WithDefaultAssets(fstest.MapFS{"index.html": {Data: []byte("first")}}))
	second := newTestRouter(WithDefaultAssets(fstest.MapFS{"index.html": {Data: []byte("second")}}))

	s := NewSwapper(first)
	get := func() string {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Body.String()
	}

	if got := get(); got != "first" {
		t.Errorf("expected 'first', got %q", got)
	}
	if old := s.Swap(second); old != first {
		t.Error("Swap must return the replaced router")
	}
	if got := get(); got != "second" {
		t.Errorf("expected 'second', got %q", got)
	}
	if s.Current() != second {
		t.Error("Current must return the installed router")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{ErrUpstreamProtocol, http.StatusInternalServerError},
		{ErrUnsupportedMethod, http.StatusInternalServerError},
		{ErrConfiguration, http.StatusInternalServerError},
		{ErrNotFound, http.StatusNotFound},
		{ErrMethodNotAllowed, http.StatusMethodNotAllowed},
		{errors.Join(errors.New("wrapped"), ErrUpstreamUnavailable), http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKindString(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindDefault:  "default",
		KindStatic:   "static",
		KindDevProxy: "dev_proxy",
		KindAPIProxy: "api_proxy",
		Kind(99):     "unknown",
	} {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
