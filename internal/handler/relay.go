package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"download-relay/internal/metrics"
	"download-relay/internal/service"
)

// Caller-visible messages. Nothing beyond these leaves the relay on failure.
const (
	msgMethodNotAllowed = "Method Not Allowed"
	msgMissingURL       = `Missing "url" parameter (must be base64 encoded)`
	msgInvalidURL       = "Invalid URL format"
	msgInvalidProtocol  = "Invalid protocol. Only HTTP/HTTPS are allowed."
	msgConnectFailed    = "Failed to connect to target server"
	msgInternalError    = "Internal Server Error"
)

const streamBufferSize = 32 * 1024

// RelayHandler serves the single relay endpoint.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler.
// The metrics parameter is optional; pass nil to disable outcome recording.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle relays the target named by the base64 url query parameter and
// streams it back as a forced download. Every failure becomes a plain-text
// response; the returned error is only ever nil.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method != http.MethodGet {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodGet)
		return h.fail(c, http.StatusMethodNotAllowed, msgMethodNotAllowed, metrics.OutcomeMethodNotAllowed)
	}

	encoded := c.QueryParam("url")
	if encoded == "" {
		return h.fail(c, http.StatusBadRequest, msgMissingURL, metrics.OutcomeMissingURL)
	}

	dl, err := h.service.Relay(req.Context(), encoded)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = dl.Body.Close() }()

	for key, vals := range dl.Header {
		c.Response().Header()[key] = vals
	}
	c.Response().WriteHeader(dl.StatusCode)
	h.record(metrics.OutcomeOK)

	// The status line is already out; a mid-stream failure (client gone,
	// upstream reset) can only truncate the body, so it is logged and dropped.
	n, err := streamBody(c.Response(), dl.Body)
	if h.metrics != nil {
		h.metrics.RelayedBytes.Add(float64(n))
	}
	if err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"bytes", n,
			"filename", dl.Filename,
		)
	}

	return nil
}

// streamBody copies src to the response, flushing after every chunk so the
// caller sees bytes as soon as the upstream sends them.
func streamBody(w *echo.Response, src io.Reader) (int64, error) {
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := w.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
			w.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingURL):
		return h.fail(c, http.StatusBadRequest, msgMissingURL, metrics.OutcomeMissingURL)

	case errors.Is(err, service.ErrDecode), errors.Is(err, service.ErrParse):
		h.logger.Debug("invalid target", "err", err)
		return h.fail(c, http.StatusBadRequest, msgInvalidURL, metrics.OutcomeInvalidURL)

	case errors.Is(err, service.ErrProtocol):
		h.logger.Debug("invalid target", "err", err)
		return h.fail(c, http.StatusBadRequest, msgInvalidProtocol, metrics.OutcomeInvalidProtocol)
	}

	var upErr *service.UpstreamError
	if errors.As(err, &upErr) {
		h.logger.Info("upstream error", "status", upErr.StatusCode)
		return h.fail(c, upErr.StatusCode, upErr.Error(), metrics.OutcomeUpstreamError)
	}

	if errors.Is(err, service.ErrConnect) {
		h.logger.Error("relay error", "err", err)
		return h.fail(c, http.StatusBadGateway, msgConnectFailed, metrics.OutcomeConnectError)
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Warn("relay canceled", "err", err)
	} else {
		h.logger.Error("relay error", "err", err)
	}
	return h.fail(c, http.StatusInternalServerError, msgInternalError, metrics.OutcomeInternalError)
}

// fail writes msg with status. Statuses that forbid a body, such as a
// mirrored upstream 304, get the status line alone.
func (h *RelayHandler) fail(c echo.Context, status int, msg, outcome string) error {
	h.record(outcome)
	if !bodyAllowed(status) {
		return c.NoContent(status)
	}
	return c.String(status, msg)
}

func bodyAllowed(status int) bool {
	return status >= http.StatusOK && status != http.StatusNoContent && status != http.StatusNotModified
}

func (h *RelayHandler) record(outcome string) {
	if h.metrics != nil {
		h.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	}
}
