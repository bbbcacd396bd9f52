package server

import "strings"

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// stripBasePath removes a normalized basePath from p so the origin can be
// mounted behind a reverse proxy under a sub-path while still answering
// direct requests. Paths outside the base path are returned unchanged.
func stripBasePath(basePath, p string) string {
	if basePath == "/" {
		return p
	}
	if strings.HasPrefix(p, basePath) {
		return "/" + strings.TrimPrefix(p, basePath)
	}
	// Exact base path without trailing slash
	if p+"/" == basePath {
		return "/"
	}
	return p
}
