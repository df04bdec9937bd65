// Package service implements the relay pipeline: target decoding, the
// disguised upstream fetch, and the forced-download header rewrite.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"download-relay/internal/client"
	"download-relay/internal/model"
)

// ErrConnect is returned when a connection to the target could not be established.
var ErrConnect = errors.New("failed to connect to target")

// UpstreamError is returned when the target answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	StatusText string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream error: %d %s", e.StatusCode, e.StatusText)
}

const defaultContentType = "application/octet-stream"

// browserHeaders is sent unchanged on every target fetch so the request looks
// like a desktop Chrome navigation coming from a search result. Nothing from
// the caller's own request is forwarded.
var browserHeaders = map[string]string{
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Referer":                   "https://www.google.com/",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Accept-Encoding":           "gzip, deflate, br",
	"Cache-Control":             "max-age=0",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "cross-site",
	"Sec-Fetch-User":            "?1",
	"Connection":                "keep-alive",
}

// hopByHopHeaders describe the upstream connection rather than the payload
// and are not copied to the caller.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Fetcher is the outbound fetch capability the relay depends on.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error)
}

// RelayService turns an encoded target into a forced-download response.
type RelayService struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewRelayService creates a RelayService backed by the upstream client.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger) *RelayService {
	return NewRelayServiceWithFetcher(c, logger)
}

// NewRelayServiceWithFetcher creates a RelayService with an arbitrary Fetcher.
func NewRelayServiceWithFetcher(f Fetcher, logger *slog.Logger) *RelayService {
	return &RelayService{
		fetcher: f,
		logger:  logger.With("component", "relay_service"),
	}
}

// Relay decodes encoded, fetches the target and returns the rewritten
// download. The caller is responsible for closing the download body.
//
// Errors are one of ErrMissingURL, ErrDecode, ErrParse, ErrProtocol (input),
// *UpstreamError (non-2xx target), ErrConnect (target unreachable), or an
// unclassified wrapped error.
func (s *RelayService) Relay(ctx context.Context, encoded string) (*model.Download, error) {
	target, err := DecodeTarget(encoded)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("relaying", "target", target.Redacted())

	resp, err := s.fetcher.Fetch(ctx, target, BrowserHeaders())
	if err != nil {
		if client.IsConnectError(err) {
			return nil, fmt.Errorf("%w: %w", ErrConnect, err)
		}
		return nil, fmt.Errorf("fetch target: %w", err)
	}

	if !resp.OK() {
		_ = resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	filename := DeriveFilename(target.Path, contentType)

	header := copyHeader(resp.Header)
	header.Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)

	return &model.Download{
		Target:      target,
		StatusCode:  resp.StatusCode,
		StatusText:  resp.StatusText,
		Header:      header,
		Body:        resp.Body,
		Filename:    filename,
		ContentType: contentType,
	}, nil
}

// BrowserHeaders returns a fresh copy of the fixed disguise header set.
func BrowserHeaders() http.Header {
	h := make(http.Header, len(browserHeaders))
	for k, v := range browserHeaders {
		h.Set(k, v)
	}
	return h
}

// copyHeader copies src verbatim except for hop-by-hop headers, including any
// the upstream named in its Connection header.
func copyHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
