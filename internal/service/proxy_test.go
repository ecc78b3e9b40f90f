package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"llm-session-proxy/internal/config"
	"llm-session-proxy/internal/forward"
	"llm-session-proxy/internal/metrics"
	"llm-session-proxy/internal/model"
	"llm-session-proxy/internal/session"
)

func testConfig(t *testing.T, upstreams ...config.UpstreamConfig) *config.Config {
	t.Helper()
	for i := range upstreams {
		if upstreams[i].BaseURL != "" {
			origin, err := config.NormalizeOrigin(upstreams[i].BaseURL)
			if err != nil {
				t.Fatalf("NormalizeOrigin: %v", err)
			}
			upstreams[i].BaseURL = origin
		}
		if upstreams[i].TimeoutSeconds == 0 {
			upstreams[i].TimeoutSeconds = 10
		}
		if upstreams[i].IdleConnections == 0 {
			upstreams[i].IdleConnections = 10
		}
	}
	return &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: 1 << 20},
		Identity: config.IdentityConfig{
			Header:         "X-User-Id",
			UpstreamHeader: "X-User-Id",
			BodyField:      "user",
		},
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			InitialDelayMS:    1,
			BackoffMultiplier: 2,
			RateLimitStatuses: []int{429},
		},
		Upstreams: upstreams,
	}
}

func newTestService(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(cfg, logger, m)
	t.Cleanup(reg.CloseAll)
	svc, err := NewProxyService(forward.NewForwarder(reg, logger, m), cfg, logger, m)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func jsonRequest(body string, header http.Header) *model.ProxyRequest {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", "application/json")
	return &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Header: header,
		Body:   io.NopCloser(strings.NewReader(body)),
	}
}

func TestFilterRequestHeaders(t *testing.T) {
	s := &ProxyService{cfg: testConfig(t)}
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/json"},
		"Authorization":       {"Bearer caller"},
		"Connection":          {"keep-alive"},
		"Cookie":              {"client=1"},
		"Openai-Organization": {"org-1"},
		"Anthropic-Version":   {"2023-06-01"},
		"X-Stainless-Lang":    {"python"},
		"X-Custom-Header":     {"should-be-dropped"},
		"X-Upstream":          {"should-be-dropped"},
		"X-Forwarded-For":     {"1.2.3.4, 5.6.7.8"},
	}

	dst := s.filterRequestHeaders(src, &config.UpstreamConfig{}, "alice")

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"OpenAI header forwarded", "Openai-Organization", 1},
		{"Anthropic header forwarded", "Anthropic-Version", 1},
		{"Stainless header forwarded", "X-Stainless-Lang", 1},
		{"Connection stripped", "Connection", 0},
		{"Cookie stripped", "Cookie", 0},
		{"X-Custom-Header stripped", "X-Custom-Header", 0},
		{"X-Upstream stripped", "X-Upstream", 0},
		{"X-Forwarded-For stripped", "X-Forwarded-For", 0},
		{"identity injected", "X-User-Id", 1},
		{"User-Agent injected", "User-Agent", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if ua := dst.Get("User-Agent"); ua != userAgent {
		t.Errorf("User-Agent = %q, want %q", ua, userAgent)
	}
	if auth := dst.Get("Authorization"); auth != "Bearer caller" {
		t.Errorf("Authorization = %q, want caller's header", auth)
	}
}

func TestFilterRequestHeaders_UpstreamAPIKeyOverrides(t *testing.T) {
	s := &ProxyService{cfg: testConfig(t)}
	src := http.Header{"Authorization": {"Bearer caller"}}

	dst := s.filterRequestHeaders(src, &config.UpstreamConfig{APIKey: "sk-upstream"}, "")

	if auth := dst.Get("Authorization"); auth != "Bearer sk-upstream" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer sk-upstream")
	}
	if dst.Get("X-User-Id") != "" {
		t.Error("identity header must be absent when no user is resolved")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	s := &ProxyService{}
	src := http.Header{
		"Content-Type":                   {"text/event-stream"},
		"Content-Length":                 {"42"},
		"Transfer-Encoding":              {"chunked"},
		"Set-Cookie":                     {"cf_clearance=abc"},
		"Retry-After":                    {"20"},
		"X-Ratelimit-Remaining-Requests": {"0"},
		"X-Litellm-Response-Cost":        {"0.002"},
		"X-Billing-Cost":                 {"0.5"},
		"Server":                         {"cloudflare"},
		"Date":                           {"Mon, 01 Jan 2025 00:00:00 GMT"},
	}

	dst := s.filterResponseHeaders(src, &config.UpstreamConfig{CostHeader: "x-billing-cost"})

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type forwarded", "Content-Type", 1},
		{"Content-Length forwarded", "Content-Length", 1},
		{"Date forwarded", "Date", 1},
		{"Retry-After forwarded", "Retry-After", 1},
		{"rate limit headers forwarded", "X-Ratelimit-Remaining-Requests", 1},
		{"gateway headers forwarded", "X-Litellm-Response-Cost", 1},
		{"cost header forwarded", "X-Billing-Cost", 1},
		{"Set-Cookie stripped", "Set-Cookie", 0},
		{"Server stripped", "Server", 0},
		{"Transfer-Encoding stripped (hop-by-hop)", "Transfer-Encoding", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestResolveUser(t *testing.T) {
	tests := []struct {
		name        string
		defaultUser string
		headerUser  string
		want        string
	}{
		{"header takes precedence", "default", "alice", "alice"},
		{"falls back to default", "default", "", "default"},
		{"whitespace header ignored", "default", "   ", "default"},
		{"empty when neither set", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Identity.DefaultUser = tt.defaultUser
			s := &ProxyService{cfg: cfg}
			header := http.Header{}
			if tt.headerUser != "" {
				header.Set("X-User-Id", tt.headerUser)
			}
			if got := s.resolveUser(header); got != tt.want {
				t.Errorf("resolveUser() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagBody(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &ProxyService{cfg: testConfig(t), logger: logger}

	tests := []struct {
		name        string
		body        string
		contentType string
		user        string
		wantUser    string // expected "user" field; "" means body must be unchanged
	}{
		{"adds field", `{"model":"gpt-4o"}`, "application/json", "alice", "alice"},
		{"charset param accepted", `{"model":"gpt-4o"}`, "application/json; charset=utf-8", "alice", "alice"},
		{"keeps existing field", `{"model":"gpt-4o","user":"bob"}`, "application/json", "alice", ""},
		{"non-json untouched", `model=gpt-4o`, "application/x-www-form-urlencoded", "alice", ""},
		{"array untouched", `[1,2]`, "application/json", "alice", ""},
		{"invalid json untouched", `{"model":`, "application/json", "alice", ""},
		{"no user untouched", `{"model":"gpt-4o"}`, "application/json", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.tagBody([]byte(tt.body), tt.contentType, tt.user)
			if tt.wantUser == "" {
				if string(got) != tt.body {
					t.Errorf("body = %q, want unchanged %q", got, tt.body)
				}
				return
			}
			var obj map[string]any
			if err := json.Unmarshal(got, &obj); err != nil {
				t.Fatalf("unmarshal tagged body: %v", err)
			}
			if obj["user"] != tt.wantUser {
				t.Errorf("user = %v, want %q", obj["user"], tt.wantUser)
			}
			if obj["model"] != "gpt-4o" {
				t.Errorf("model = %v, want other fields preserved", obj["model"])
			}
		})
	}
}

func TestTagBody_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Identity.BodyField = ""
	s := &ProxyService{cfg: cfg}

	body := `{"model":"gpt-4o"}`
	if got := s.tagBody([]byte(body), "application/json", "alice"); string(got) != body {
		t.Errorf("body = %q, want unchanged", got)
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-Id") != "alice" {
			t.Errorf("X-User-Id = %q, want %q", r.Header.Get("X-User-Id"), "alice")
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer sk-test")
		}
		if r.URL.RawQuery != "b=2&a=1" {
			t.Errorf("query = %q, want verbatim %q", r.URL.RawQuery, "b=2&a=1")
		}
		var obj map[string]any
		if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if obj["user"] != "alice" {
			t.Errorf("body user = %v, want %q", obj["user"], "alice")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: upstream.URL, APIKey: "sk-test"})
	svc := newTestService(t, cfg, nil)

	pr := jsonRequest(`{"model":"gpt-4o"}`, http.Header{"X-User-Id": {"alice"}})
	pr.RawQuery = "b=2&a=1"

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"result":"ok"}`)
	}
}

func TestForward_NilContextDefaultsToBackground(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: upstream.URL})
	svc := newTestService(t, cfg, nil)

	pr := jsonRequest(`{}`, nil)
	pr.Ctx = nil

	resp, err := svc.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestForward_SelectsUpstreamByHeader(t *testing.T) {
	hit := make(chan string, 2)
	newUpstream := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit <- name
			w.WriteHeader(http.StatusOK)
		}))
	}
	first := newUpstream("first")
	defer first.Close()
	second := newUpstream("second")
	defer second.Close()

	cfg := testConfig(t,
		config.UpstreamConfig{Name: "first", BaseURL: first.URL},
		config.UpstreamConfig{Name: "second", BaseURL: second.URL},
	)
	svc := newTestService(t, cfg, nil)

	tests := []struct {
		header string
		want   string
	}{
		{"", "first"},
		{"second", "second"},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set(UpstreamHeader, tt.header)
		}
		resp, err := svc.Forward(jsonRequest(`{}`, h))
		if err != nil {
			t.Fatalf("Forward(%q) error = %v", tt.header, err)
		}
		_ = resp.Body.Close()
		if got := <-hit; got != tt.want {
			t.Errorf("X-Upstream=%q routed to %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestForward_UnknownUpstream(t *testing.T) {
	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: "https://llm.example.com"})
	svc := newTestService(t, cfg, nil)

	_, err := svc.Forward(jsonRequest(`{}`, http.Header{UpstreamHeader: {"nope"}}))
	if !errors.Is(err, ErrUnknownUpstream) {
		t.Errorf("Forward() error = %v, want ErrUnknownUpstream", err)
	}
}

func TestForward_MissingUserID(t *testing.T) {
	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: "https://llm.example.com"})
	cfg.Identity.Required = true
	svc := newTestService(t, cfg, nil)

	_, err := svc.Forward(jsonRequest(`{}`, nil))
	if !errors.Is(err, ErrMissingUserID) {
		t.Errorf("Forward() error = %v, want ErrMissingUserID", err)
	}
}

func TestForward_BodyTooLarge(t *testing.T) {
	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: "https://llm.example.com"})
	cfg.Server.BodyMaxBytes = 8
	svc := newTestService(t, cfg, nil)

	_, err := svc.Forward(jsonRequest(`{"model":"gpt-4o"}`, nil))
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Forward() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestForward_RetriesWithPerUpstreamStatuses(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(t, config.UpstreamConfig{
		Name:              "guarded",
		BaseURL:           upstream.URL,
		RateLimitStatuses: []int{403},
	})
	svc := newTestService(t, cfg, nil)

	resp, err := svc.Forward(jsonRequest(`{}`, nil))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Attempts != 2 {
		t.Errorf("status = %d attempts = %d, want 200 after 2 attempts", resp.StatusCode, resp.Attempts)
	}
}

func TestForward_FiltersResponseHeadersAndKeepsCookies(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.SetCookie(w, &http.Cookie{Name: "affinity", Value: "node-3", Path: "/"})
		w.Header().Set("X-Internal-Debug", "secret")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: upstream.URL})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(cfg, logger, nil)
	t.Cleanup(reg.CloseAll)
	svc, err := NewProxyService(forward.NewForwarder(reg, logger, nil), cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	resp, err := svc.Forward(jsonRequest(`{}`, nil))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), "application/json")
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Errorf("Set-Cookie should be stripped, got %q", resp.Header.Get("Set-Cookie"))
	}
	if resp.Header.Get("X-Internal-Debug") != "" {
		t.Errorf("X-Internal-Debug should be stripped, got %q", resp.Header.Get("X-Internal-Debug"))
	}

	s, err := reg.GetOrCreate(cfg.Upstreams[0].BaseURL)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if c := s.Cookies(); len(c) != 1 || c[0].Value != "node-3" {
		t.Errorf("session cookies = %v, want affinity cookie kept in the session", c)
	}
}

func TestForward_RecordsCost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Litellm-Response-Cost", "0.5")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(t, config.UpstreamConfig{
		Name:       "litellm",
		BaseURL:    upstream.URL,
		CostHeader: "x-litellm-response-cost",
	})
	m := metrics.New()
	svc := newTestService(t, cfg, m)

	for range 2 {
		resp, err := svc.Forward(jsonRequest(`{}`, nil))
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "llm_proxy_upstream_cost_total" {
			if v := f.GetMetric()[0].GetCounter().GetValue(); v != 1.0 {
				t.Errorf("cost total = %v, want 1.0", v)
			}
			return
		}
	}
	t.Error("expected llm_proxy_upstream_cost_total to be recorded")
}

func TestNewProxyService_InvalidRetryPolicy(t *testing.T) {
	cfg := testConfig(t, config.UpstreamConfig{Name: "litellm", BaseURL: "https://llm.example.com"})
	cfg.Retry.MaxAttempts = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := NewProxyService(nil, cfg, logger, nil); err == nil {
		t.Fatal("NewProxyService() expected error for zero max_attempts, got nil")
	}
}
