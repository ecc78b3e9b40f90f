// Package session keeps one long-lived HTTP client per upstream origin so
// cookies set by the upstream (bot-challenge and affinity tokens) are sent on
// every later request to that origin, whichever caller issues it.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/net/publicsuffix"

	"llm-session-proxy/internal/config"
	"llm-session-proxy/internal/metrics"
)

// ErrCircuitOpen is returned when the origin's circuit breaker rejects a request.
var ErrCircuitOpen = errors.New("upstream circuit breaker is open")

// ErrUnavailable is returned when a session cannot be built for an origin.
var ErrUnavailable = errors.New("session unavailable")

// Session is a reusable connection pool and cookie jar bound to one origin.
// It is safe for concurrent use; the jar does its own locking.
type Session struct {
	ID        string
	Origin    string
	Upstream  string
	CreatedAt time.Time

	originURL  *url.URL
	httpClient *http.Client
	jar        http.CookieJar
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// newSession builds a Session for a normalized origin. The metrics parameter
// is optional; pass nil to disable upstream metrics recording.
func newSession(origin string, up config.UpstreamConfig, logger *slog.Logger, m *metrics.Metrics) (*Session, error) {
	normalized, err := config.NormalizeOrigin(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if normalized != origin {
		return nil, fmt.Errorf("origin %q is not normalized (want %q)", origin, normalized)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	// ResponseHeaderTimeout bounds each attempt up to the first response byte
	// without cutting off long streamed completions the way Client.Timeout would.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   up.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: up.Timeout(),
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	name := up.Name
	if name == "" {
		name = "unknown"
	}

	s := &Session{
		ID:        uuid.NewString(),
		Origin:    origin,
		Upstream:  name,
		CreatedAt: time.Now(),
		originURL: u,
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		jar:     jar,
		logger:  logger.With("component", "session", "origin", origin),
		metrics: m,
	}
	if up.CircuitBreaker.Enabled {
		s.breaker = newBreaker(origin, up.CircuitBreaker, s.logger)
	}
	return s, nil
}

// Do executes an HTTP request through the session and returns the raw response.
// Cookies from the jar are attached and Set-Cookie headers are stored back.
// The caller is responsible for closing the response body.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	s.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := s.execute(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if s.metrics != nil && !errors.Is(err, ErrCircuitOpen) {
			s.metrics.UpstreamDuration.WithLabelValues(s.Upstream, method).Observe(duration)
		}
		return nil, err
	}

	if s.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		s.metrics.UpstreamDuration.WithLabelValues(s.Upstream, method).Observe(duration)
		s.metrics.UpstreamResponses.WithLabelValues(s.Upstream, method, status).Inc()
	}

	return resp, nil
}

func (s *Session) execute(req *http.Request) (*http.Response, error) {
	if s.breaker == nil {
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("upstream request: %w", err)
		}
		return resp, nil
	}

	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.httpClient.Do(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, s.Origin)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return out.(*http.Response), nil
}

// URL resolves path and raw query against the session origin.
func (s *Session) URL(path, rawQuery string) string {
	u := *s.originURL
	u.Path = path
	u.RawQuery = rawQuery
	return u.String()
}

// Cookies returns the cookies the session would send to the origin root.
func (s *Session) Cookies() []*http.Cookie {
	return s.jar.Cookies(s.originURL)
}

// close releases idle connections. In-flight requests finish normally.
func (s *Session) close() {
	s.httpClient.CloseIdleConnections()
}
