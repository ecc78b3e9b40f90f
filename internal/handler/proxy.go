package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"llm-session-proxy/internal/model"
	"llm-session-proxy/internal/service"
	"llm-session-proxy/internal/session"
)

// AttemptsHeader reports how many upstream attempts served the response.
const AttemptsHeader = "X-Proxy-Attempts"

// bearerPattern matches bearer tokens embedded in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`)

// ProxyHandler forwards API requests to the selected upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().Header().Set(AttemptsHeader, strconv.Itoa(resp.Attempts))

	c.Response().WriteHeader(resp.StatusCode)
	streaming := isStream(resp)
	if streaming {
		c.Response().Flush()
	}

	// The status is already sent, so a copy failure leaves the client with a
	// truncated body; it is only logged.
	if err := h.copyBody(c.Response(), resp.Body, streaming); err != nil {
		if errors.Is(err, context.Canceled) || req.Context().Err() != nil {
			h.logger.Debug("client went away mid-stream", "path", req.URL.Path)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

// copyBody writes the upstream body to the client. Streamed bodies are
// flushed after every chunk.
func (h *ProxyHandler) copyBody(w *echo.Response, body io.Reader, streaming bool) error {
	if !streaming {
		_, err := io.Copy(w, body)
		return err
	}

	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// isStream reports whether the body must be passed through unbuffered: event
// streams and any body without a declared length (chunked NDJSON, JSON
// streams, mislabelled SSE).
func isStream(resp *model.ProxyResponse) bool {
	if resp.ContentLength < 0 {
		return true
	}
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client canceled request", "path", path)
		return nil
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	if errors.Is(err, service.ErrMissingUserID) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "user id required: send the identity header",
		})
	}

	if errors.Is(err, service.ErrUnknownUpstream) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unknown upstream",
		})
	}

	if errors.Is(err, service.ErrBodyTooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}

	if errors.Is(err, session.ErrCircuitOpen) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "upstream temporarily unavailable",
		})
	}

	if errors.Is(err, session.ErrUnavailable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream session unavailable",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
