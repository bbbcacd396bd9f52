package server

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// IndexDocument is served for any path that does not name an existing file,
// leaving client-side routing to the single-page app.
const IndexDocument = "index.html"

// StaticResolver maps request paths to files under a static root.
type StaticResolver struct {
	filesystem fs.FS
}

// NewStaticResolver creates a resolver for the directory root.
func NewStaticResolver(root string) (*StaticResolver, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: static root: %w", ErrConfiguration, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: static root %q is not a directory", ErrConfiguration, root)
	}
	return &StaticResolver{filesystem: os.DirFS(root)}, nil
}

// NewStaticResolverFS creates a resolver over an arbitrary filesystem, such as
// an embed.FS sub-tree.
func NewStaticResolverFS(fsys fs.FS) *StaticResolver {
	return &StaticResolver{filesystem: fsys}
}

// FS returns the filesystem files are resolved against.
func (s *StaticResolver) FS() fs.FS {
	return s.filesystem
}

// Resolve returns the name, relative to the root, of the file to serve for
// requestedPath: the file itself if it exists, otherwise index.html.
func (s *StaticResolver) Resolve(requestedPath string) (string, error) {
	if name := cleanName(requestedPath); name != "" {
		if info, err := fs.Stat(s.filesystem, name); err == nil && !info.IsDir() {
			return name, nil
		}
	}
	if info, err := fs.Stat(s.filesystem, IndexDocument); err == nil && !info.IsDir() {
		return IndexDocument, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, requestedPath)
}

// cleanName turns a URL path into an fs.FS name. path.Clean on a rooted path
// removes every "..", so the result never escapes the root.
func cleanName(p string) string {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if !fs.ValidPath(name) || name == "." {
		return ""
	}
	return name
}
