// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"llm-session-proxy/internal/config"
	"llm-session-proxy/internal/forward"
	"llm-session-proxy/internal/metrics"
	"llm-session-proxy/internal/model"
	"llm-session-proxy/internal/retry"
)

var (
	// ErrMissingUserID is returned when identity is required and the caller sent none.
	ErrMissingUserID = errors.New("user id required: send the identity header or configure identity.default_user")

	// ErrUnknownUpstream is returned when X-Upstream names no configured upstream.
	ErrUnknownUpstream = errors.New("unknown upstream")

	// ErrBodyTooLarge is returned when the request body exceeds server.body_max_bytes.
	ErrBodyTooLarge = errors.New("request body too large")
)

// UpstreamHeader selects a configured upstream by name.
const UpstreamHeader = "X-Upstream"

// forwardableRequestHeaders are the only fixed request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"Authorization",
}

// forwardableRequestPrefixes are lower-cased header prefixes of provider SDK headers.
var forwardableRequestPrefixes = []string{
	"openai-",
	"anthropic-",
	"x-stainless-",
}

// forwardableResponseHeaders are the fixed response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Retry-After":      true,
	"X-Request-Id":     true,
}

// forwardableResponsePrefixes carry rate-limit and gateway diagnostics.
var forwardableResponsePrefixes = []string{
	"x-ratelimit-",
	"x-litellm-",
	"openai-",
	"anthropic-ratelimit-",
}

const userAgent = "llm-session-proxy/1.0"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	forwarder *forward.Forwarder
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	policy    retry.Policy
	limited   map[string]retry.StatusSet // by upstream name
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f *forward.Forwarder, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	policy := retry.FromConfig(cfg)
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	limited := make(map[string]retry.StatusSet, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		limited[u.Name] = retry.NewStatusSet(u.StatusesOrDefault(cfg.Retry.RateLimitStatuses)...)
	}

	return &ProxyService{
		forwarder: f,
		cfg:       cfg,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		policy:    policy,
		limited:   limited,
	}, nil
}

// Forward sends a ProxyRequest to the selected upstream and returns the response.
// The caller is responsible for closing the response body.
//
// The user id is resolved in order: identity header → identity.default_user.
// If neither is present and identity.required is set, ErrMissingUserID is returned.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	name := pr.Header.Get(UpstreamHeader)
	up, ok := s.cfg.Upstream(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUpstream, name)
	}

	user := s.resolveUser(pr.Header)
	if user == "" && s.cfg.Identity.Required {
		return nil, ErrMissingUserID
	}

	body, err := s.readBody(pr.Body)
	if err != nil {
		return nil, err
	}

	header := s.filterRequestHeaders(pr.Header, up, user)
	body = s.tagBody(body, header.Get("Content-Type"), user)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", up.Name,
		"user", user,
	)

	fr := &model.ForwardRequest{
		Upstream: up.Name,
		Origin:   up.BaseURL,
		Method:   pr.Method,
		Path:     pr.Path,
		RawQuery: pr.RawQuery,
		Header:   header,
		Body:     body,
	}

	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := s.forwarder.Forward(ctx, fr, s.policy, s.limited[up.Name])
	if err != nil {
		return nil, fmt.Errorf("forward to upstream %s: %w", up.Name, err)
	}

	s.recordCost(up, resp.Header)
	resp.Header = s.filterResponseHeaders(resp.Header, up)
	return resp, nil
}

// resolveUser returns the caller's user id, falling back to the configured default.
func (s *ProxyService) resolveUser(header http.Header) string {
	if v := strings.TrimSpace(header.Get(s.cfg.Identity.Header)); v != "" {
		return v
	}
	return s.cfg.Identity.DefaultUser
}

// readBody buffers the request body so it can be replayed on retry.
func (s *ProxyService) readBody(rc io.ReadCloser) ([]byte, error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil
	}
	defer func() { _ = rc.Close() }()

	limit := s.cfg.Server.BodyMaxBytes
	if limit <= 0 {
		return io.ReadAll(rc)
	}
	b, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header, up *config.UpstreamConfig, user string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	for key, vals := range src {
		lower := strings.ToLower(key)
		for _, prefix := range forwardableRequestPrefixes {
			if strings.HasPrefix(lower, prefix) {
				dst[http.CanonicalHeaderKey(key)] = vals
				break
			}
		}
	}
	if up.APIKey != "" {
		dst.Set("Authorization", "Bearer "+up.APIKey)
	}
	if user != "" && s.cfg.Identity.UpstreamHeader != "" {
		dst.Set(s.cfg.Identity.UpstreamHeader, user)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// tagBody sets the identity field on JSON object bodies that lack it, so the
// gateway attributes spend to the caller.
func (s *ProxyService) tagBody(body []byte, contentType, user string) []byte {
	field := s.cfg.Identity.BodyField
	if field == "" || user == "" || len(body) == 0 {
		return body
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || mt != "application/json" {
		return body
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	if _, ok := obj[field]; ok {
		return body
	}

	v, err := json.Marshal(user)
	if err != nil {
		return body
	}
	obj[field] = v

	out, err := json.Marshal(obj)
	if err != nil {
		s.logger.Warn("tag request body", "err", err)
		return body
	}
	return out
}

func (s *ProxyService) filterResponseHeaders(src http.Header, up *config.UpstreamConfig) http.Header {
	costHeader := http.CanonicalHeaderKey(up.CostHeader)
	dst := make(http.Header)
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if forwardableResponseHeaders[canonical] || (costHeader != "" && canonical == costHeader) {
			dst[key] = vals
			continue
		}
		lower := strings.ToLower(key)
		for _, prefix := range forwardableResponsePrefixes {
			if strings.HasPrefix(lower, prefix) {
				dst[key] = vals
				break
			}
		}
	}
	return dst
}

func (s *ProxyService) recordCost(up *config.UpstreamConfig, header http.Header) {
	if up.CostHeader == "" || s.metrics == nil {
		return
	}
	raw := header.Get(up.CostHeader)
	if raw == "" {
		return
	}
	cost, err := strconv.ParseFloat(raw, 64)
	if err != nil || cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		s.logger.Debug("ignoring unparseable cost header", "header", up.CostHeader, "value", raw)
		return
	}
	s.metrics.UpstreamCost.WithLabelValues(up.Name).Add(cost)
}
