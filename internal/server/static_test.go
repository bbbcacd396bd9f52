package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
)

func testAssets() fstest.MapFS {
	return fstest.MapFS{
		"index.html":             {Data: []byte("<html><body>SPA</body></html>")},
		"static/js/main.4f2a.js": {Data: []byte("console.log('app')")},
		"favicon.ico":            {Data: []byte("fakeico")},
		"manifest.json":          {Data: []byte(`{"short_name":"app"}`)},
	}
}

func TestResolve(t *testing.T) {
	r := NewStaticResolverFS(testAssets())

	tests := []struct {
		path string
		want string
	}{
		{"favicon.ico", "favicon.ico"},
		{"/favicon.ico", "favicon.ico"},
		{"static/js/main.4f2a.js", "static/js/main.4f2a.js"},
		{"", IndexDocument},
		{"users/42/edit", IndexDocument},
		{"static/js", IndexDocument},
		{"../../etc/passwd", IndexDocument},
		{"static/../favicon.ico", "favicon.ico"},
		{"static/js/missing.js", IndexDocument},
	}
	for _, tc := range tests {
		got, err := r.Resolve(tc.path)
		if err != nil {
			t.Errorf("Resolve(%q) unexpected error: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestResolveWithoutIndex(t *testing.T) {
	r := NewStaticResolverFS(fstest.MapFS{
		"app.js": {Data: []byte("x")},
	})

	if got, err := r.Resolve("app.js"); err != nil || got != "app.js" {
		t.Errorf("Resolve(app.js) = %q, %v", got, err)
	}
	_, err := r.Resolve("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNewStaticResolverRejectsBadRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, root := range []string{filepath.Join(dir, "missing"), file} {
		if _, err := NewStaticResolver(root); !errors.Is(err, ErrConfiguration) {
			t.Errorf("NewStaticResolver(%q): expected ErrConfiguration, got %v", root, err)
		}
	}
}

func TestNewStaticResolverOnDisk(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("disk"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewStaticResolver(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Resolve("/anything")
	if err != nil || got != IndexDocument {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}

func TestRouterServesDefaultAssets(t *testing.T) {
	router := NewRouter(WithDefaultAssets(testAssets()))

	tests := []struct {
		name        string
		method      string
		path        string
		wantStatus  int
		wantBody    string
		contentType string
	}{
		{"root is index", http.MethodGet, "/", 200, "<html><body>SPA</body></html>", "text/html"},
		{"file at top level", http.MethodGet, "/favicon.ico", 200, "fakeico", ""},
		{"nested bundle", http.MethodGet, "/static/js/main.4f2a.js", 200, "console.log('app')", ""},
		{"manifest", http.MethodGet, "/manifest.json", 200, `{"short_name":"app"}`, "application/json"},
		{"client route", http.MethodGet, "/users/42/edit", 200, "<html><body>SPA</body></html>", "text/html"},
		{"head has no body", http.MethodHead, "/favicon.ico", 200, "", ""},
		{"post is refused", http.MethodPost, "/favicon.ico", 405, "Method Not Allowed\n", ""},
		{"delete is refused", http.MethodDelete, "/", 405, "Method Not Allowed\n", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if rec.Body.String() != tc.wantBody {
				t.Errorf("expected body %q, got %q", tc.wantBody, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); tc.contentType != "" && !strings.HasPrefix(ct, tc.contentType) {
				t.Errorf("expected content type %s, got %q", tc.contentType, ct)
			}
			if tc.wantStatus == http.StatusMethodNotAllowed && rec.Header().Get("Allow") != "GET, HEAD" {
				t.Errorf("expected Allow header, got %q", rec.Header().Get("Allow"))
			}
		})
	}
}

func TestRouterDefaultRuleHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(WithDefaultAssets(testAssets())).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	if got := rec.Header().Get(RouteHeader); got != "/<path>" {
		t.Errorf("expected route header /<path>, got %q", got)
	}
}

func TestRouterMissingIndexIs404(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(WithDefaultAssets(fstest.MapFS{})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
