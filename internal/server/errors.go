package server

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration reports an invalid or conflicting route registration.
	ErrConfiguration = errors.New("configuration error")
	// ErrUpstreamUnavailable reports a transport-level failure to reach a
	// proxy target, typically a dev server that is still booting.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamProtocol reports a timeout, an unreadable response or a
	// body that could not be encoded or decoded.
	ErrUpstreamProtocol = errors.New("upstream protocol error")
	// ErrUnsupportedMethod reports an inbound method the API proxy does not forward.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrNotFound reports that neither the requested file nor index.html exists.
	ErrNotFound = errors.New("not found")
	// ErrMethodNotAllowed is returned for non-GET/HEAD requests to static files.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// StatusFor maps an error returned by the router or forwarder to the HTTP
// status the origin answers with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	default:
		// ErrUnsupportedMethod stays a 500 for compatibility with existing clients.
		return http.StatusInternalServerError
	}
}
