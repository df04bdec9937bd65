package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"download-relay/internal/client"
	"download-relay/internal/config"
	"download-relay/internal/model"
)

// fetchFunc adapts a function to the Fetcher interface.
type fetchFunc func(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error) {
	return f(ctx, target, header)
}

// closeTracker records whether Close was called.
type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) *RelayService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			HeaderTimeoutSeconds:  10,
			ConnectTimeoutSeconds: 1,
			IdleConnections:       10,
			MaxRedirects:          10,
		},
	}
	logger := discardLogger()
	return NewRelayService(client.NewUpstreamClient(cfg, logger, nil), logger)
}

func TestRelay_HappyPath(t *testing.T) {
	var gotURI string
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Disposition", "inline")
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	target := upstream.URL + "/img/a.png?size=large&v=1"

	dl, err := svc.Relay(context.Background(), encode(target))
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = dl.Body.Close() }()

	if gotURI != "/img/a.png?size=large&v=1" {
		t.Errorf("upstream request URI = %q, want path and query unchanged", gotURI)
	}
	if dl.Target.String() != target {
		t.Errorf("Target = %q, want %q", dl.Target.String(), target)
	}
	if dl.StatusCode != http.StatusOK || dl.StatusText != "OK" {
		t.Errorf("status = %d %q, want 200 OK", dl.StatusCode, dl.StatusText)
	}
	if dl.Filename != "a.png" {
		t.Errorf("Filename = %q, want %q", dl.Filename, "a.png")
	}
	if got := dl.Header.Get("Content-Disposition"); got != `attachment; filename="a.png"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := dl.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want %q", got, "image/png")
	}
	if got := dl.Header.Get("ETag"); got != `"abc"` {
		t.Errorf("ETag = %q, want upstream value copied", got)
	}

	for k, v := range browserHeaders {
		if k == "Connection" {
			// Consumed by the transport, not seen as a request header.
			continue
		}
		if got := gotHeader.Get(k); got != v {
			t.Errorf("upstream saw %s = %q, want %q", k, got, v)
		}
	}

	body, _ := io.ReadAll(dl.Body)
	if string(body) != "\x89PNG" {
		t.Errorf("body = %q", body)
	}
}

func TestRelay_DoesNotForwardCallerHeaders(t *testing.T) {
	var gotHeader http.Header
	svc := NewRelayServiceWithFetcher(fetchFunc(func(_ context.Context, _ *url.URL, h http.Header) (*model.UpstreamResponse, error) {
		gotHeader = h
		return &model.UpstreamResponse{StatusCode: 200, StatusText: "OK", Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	}), discardLogger())

	dl, err := svc.Relay(context.Background(), encode("https://example.com/x"))
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	_ = dl.Body.Close()

	if len(gotHeader) != len(browserHeaders) {
		t.Errorf("sent %d headers, want exactly the %d fixed ones: %v", len(gotHeader), len(browserHeaders), gotHeader)
	}
	for _, h := range []string{"X-Forwarded-For", "Cookie", "Authorization"} {
		if gotHeader.Get(h) != "" {
			t.Errorf("header %s should not be sent", h)
		}
	}
}

func TestRelay_DefaultContentType(t *testing.T) {
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		return &model.UpstreamResponse{StatusCode: 200, StatusText: "OK", Header: http.Header{}, Body: io.NopCloser(strings.NewReader("x"))}, nil
	}), discardLogger())

	dl, err := svc.Relay(context.Background(), encode("https://example.com/"))
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = dl.Body.Close() }()

	if dl.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", dl.ContentType)
	}
	if got := dl.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type header = %q, want application/octet-stream", got)
	}
	if got := dl.Header.Get("Content-Disposition"); got != `attachment; filename="download"` {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestRelay_StripsHopByHopHeaders(t *testing.T) {
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		h := http.Header{
			"Connection":     {"keep-alive, X-Upstream-Hop"},
			"Keep-Alive":     {"timeout=5"},
			"X-Upstream-Hop": {"1"},
			"Content-Length": {"1"},
			"Cache-Control":  {"no-cache"},
		}
		return &model.UpstreamResponse{StatusCode: 200, StatusText: "OK", Header: h, Body: io.NopCloser(strings.NewReader("x"))}, nil
	}), discardLogger())

	dl, err := svc.Relay(context.Background(), encode("https://example.com/f.bin"))
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = dl.Body.Close() }()

	for _, h := range []string{"Connection", "Keep-Alive", "X-Upstream-Hop"} {
		if v := dl.Header.Get(h); v != "" {
			t.Errorf("%s = %q, want stripped", h, v)
		}
	}
	for _, h := range []string{"Content-Length", "Cache-Control"} {
		if dl.Header.Get(h) == "" {
			t.Errorf("%s missing, want copied", h)
		}
	}
}

func TestRelay_UpstreamError(t *testing.T) {
	body := &closeTracker{Reader: strings.NewReader("not here")}
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		return &model.UpstreamResponse{StatusCode: 404, StatusText: "Not Found", Header: http.Header{}, Body: body}, nil
	}), discardLogger())

	_, err := svc.Relay(context.Background(), encode("https://example.com/missing"))

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Relay() error = %v, want *UpstreamError", err)
	}
	if upErr.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", upErr.StatusCode)
	}
	if upErr.Error() != "Upstream error: 404 Not Found" {
		t.Errorf("Error() = %q", upErr.Error())
	}
	if !body.closed {
		t.Error("upstream body was not closed on error")
	}
}

func TestRelay_ConnectError(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Relay(context.Background(), encode("http://127.0.0.1:1/file"))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Relay() error = %v, want ErrConnect", err)
	}
}

func TestRelay_ConnectErrorFromFetcher(t *testing.T) {
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		return nil, fmt.Errorf("upstream request: %w", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"})
	}), discardLogger())

	_, err := svc.Relay(context.Background(), encode("https://nowhere.invalid/"))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Relay() error = %v, want ErrConnect", err)
	}
}

func TestRelay_UnclassifiedFetchError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		return nil, boom
	}), discardLogger())

	_, err := svc.Relay(context.Background(), encode("https://example.com/"))
	if !errors.Is(err, boom) {
		t.Fatalf("Relay() error = %v, want wrapped boom", err)
	}
	if errors.Is(err, ErrConnect) {
		t.Error("unclassified error must not be ErrConnect")
	}
}

func TestRelay_InputErrorsSkipFetch(t *testing.T) {
	called := false
	svc := NewRelayServiceWithFetcher(fetchFunc(func(context.Context, *url.URL, http.Header) (*model.UpstreamResponse, error) {
		called = true
		return nil, errors.New("unexpected")
	}), discardLogger())

	tests := []struct {
		name    string
		encoded string
		want    error
	}{
		{"missing", "", ErrMissingURL},
		{"bad base64", "!!!", ErrDecode},
		{"bad url", encode("::nope"), ErrParse},
		{"bad protocol", encode("file:///etc/passwd"), ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Relay(context.Background(), tt.encoded)
			if !errors.Is(err, tt.want) {
				t.Errorf("Relay() error = %v, want %v", err, tt.want)
			}
		})
	}
	if called {
		t.Error("fetcher must not be called for invalid input")
	}
}

func TestBrowserHeaders_FreshCopy(t *testing.T) {
	h := BrowserHeaders()
	h.Set("User-Agent", "mutated")

	if got := BrowserHeaders().Get("User-Agent"); got == "mutated" {
		t.Error("BrowserHeaders() returned shared state")
	}
	if got := BrowserHeaders().Get("Referer"); got != "https://www.google.com/" {
		t.Errorf("Referer = %q", got)
	}
}
