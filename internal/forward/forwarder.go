// Package forward performs one logical upstream call per inbound request,
// retrying on rate-limit responses through the same session so cookies set
// by a challenge response are presented on the next attempt.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"llm-session-proxy/internal/metrics"
	"llm-session-proxy/internal/model"
	"llm-session-proxy/internal/retry"
	"llm-session-proxy/internal/session"
)

// maxDrainBytes caps how much of a discarded rate-limit body is read so the
// connection can be reused.
const maxDrainBytes = 64 << 10

// Forwarder sends requests upstream with rate-limit retry.
type Forwarder struct {
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wait     retry.WaitFunc
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(reg *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		registry: reg,
		logger:   logger.With("component", "forwarder"),
		metrics:  m,
		wait:     retry.Wait,
	}
}

// Forward issues req against its origin's session. A response whose status is
// in limited is retried after policy.Delay(attempt) until policy.MaxAttempts
// is reached; the last response is then returned as-is. Any other response is
// returned immediately with its body unread. Transport errors and context
// cancellation are returned without retry.
//
// The caller is responsible for closing the response body.
func (f *Forwarder) Forward(ctx context.Context, req *model.ForwardRequest, policy retry.Policy, limited retry.StatusSet) (*model.ProxyResponse, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	sess, err := f.registry.GetOrCreate(req.Origin)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	target := sess.URL(req.Path, req.RawQuery)

	for attempt := 1; ; attempt++ {
		resp, err := f.send(ctx, sess, target, req)
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		if !limited.RateLimited(resp.StatusCode) {
			return toProxyResponse(resp, attempt), nil
		}

		if attempt >= policy.MaxAttempts {
			f.logger.Warn("rate limited; retries exhausted",
				"upstream", req.Upstream,
				"status", resp.StatusCode,
				"attempts", attempt,
			)
			if f.metrics != nil {
				f.metrics.RetriesExhausted.WithLabelValues(req.Upstream).Inc()
			}
			return toProxyResponse(resp, attempt), nil
		}

		delay := policy.Delay(attempt)
		drain(resp.Body)

		f.logger.Info("rate limited; retrying",
			"upstream", req.Upstream,
			"status", resp.StatusCode,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
		)
		if f.metrics != nil {
			f.metrics.UpstreamRetries.WithLabelValues(req.Upstream).Inc()
		}

		if err := f.wait(ctx, delay); err != nil {
			return nil, fmt.Errorf("backoff after attempt %d: %w", attempt, err)
		}
	}
}

// send builds a fresh request for each attempt. The header map is cloned
// because the client's cookie jar appends Cookie headers to the request.
func (f *Forwarder) send(ctx context.Context, sess *session.Session, target string, req *model.ForwardRequest) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if req.Header != nil {
		out.Header = req.Header.Clone()
	}

	return sess.Do(out)
}

func toProxyResponse(resp *http.Response, attempts int) *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Attempts:      attempts,
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}
