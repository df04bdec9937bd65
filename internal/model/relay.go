// Package model defines the transient types that flow through one relay invocation.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// UpstreamResponse is the result of fetching a target URL.
// Body is an open stream owned by whoever holds the response.
type UpstreamResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the upstream status is in the 2xx range.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// Download is a successful relay result, ready to be written to the caller.
// Header already carries the forced-download Content-Disposition and Content-Type.
type Download struct {
	Target      *url.URL
	StatusCode  int
	StatusText  string
	Header      http.Header
	Body        io.ReadCloser
	Filename    string
	ContentType string
}
