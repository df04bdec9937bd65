// Package client provides the outbound HTTP client used to fetch relay targets.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"download-relay/internal/config"
	"download-relay/internal/metrics"
	"download-relay/internal/model"
)

// UpstreamClient fetches target URLs from the public internet.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// No overall client timeout is set: it would also bound body streaming and cut
// off large downloads. Only the wait for response headers is bounded.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	connectTimeout := time.Duration(cfg.Upstream.ConnectTimeoutSeconds) * time.Second
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.HeaderTimeoutSeconds) * time.Second,
		// Bodies are relayed as-is, together with their Content-Encoding.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch issues a GET for target with exactly the given header set and returns
// the response with its body still open. The caller is responsible for closing
// the response body. The context controls the lifetime of the whole exchange,
// body included.
func (c *UpstreamClient) Fetch(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error) {
	// GetConn and GotConn bracket each hop's connection setup, redirects
	// included, so an error seen while the flag is set happened before a
	// connection to the target existed.
	var connecting atomic.Bool
	trace := &httptrace.ClientTrace{
		GetConn: func(string) { connecting.Store(true) },
		GotConn: func(httptrace.GotConnInfo) { connecting.Store(false) },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request", "target", target.Redacted())

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if connecting.Load() {
			err = &connectError{err: err}
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		StatusText: StatusText(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// StatusText returns the reason phrase the upstream sent, falling back to the
// standard text for the code when the status line carried none.
func StatusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		return http.StatusText(resp.StatusCode)
	}
	return text
}

// connectError marks a fetch that failed while a connection was still being
// set up, for example a stalled or rejected TLS handshake.
type connectError struct {
	err error
}

func (e *connectError) Error() string { return e.err.Error() }

func (e *connectError) Unwrap() error { return e.err }

// IsConnectError reports whether err means a connection to the target could
// not be established: name resolution, dialing (directly or via a proxy), or
// the TLS handshake failed. Cancellation by the caller never counts.
func IsConnectError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ce *connectError
	if errors.As(err, &ce) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && (opErr.Op == "dial" || opErr.Op == "proxyconnect") {
		return true
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED)
}
