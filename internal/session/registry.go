package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"llm-session-proxy/internal/config"
	"llm-session-proxy/internal/metrics"
)

// Registry owns at most one Session per origin for the process lifetime.
// Lookups of an existing session take no lock; creation is serialized by mu
// so concurrent first requests to a new origin share one Session.
type Registry struct {
	sessions sync.Map // origin -> *Session

	mu      sync.Mutex
	closed  bool
	created atomic.Int64

	upstreams map[string]config.UpstreamConfig // by normalized origin
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Info describes a live session for the status endpoint.
type Info struct {
	ID        string    `json:"id"`
	Upstream  string    `json:"upstream"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRegistry creates an empty Registry. Per-origin transport settings come
// from cfg.Upstreams; origins not listed there get default settings.
// The metrics parameter is optional; pass nil to disable recording.
func NewRegistry(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Registry {
	ups := make(map[string]config.UpstreamConfig, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		if _, dup := ups[u.BaseURL]; !dup {
			ups[u.BaseURL] = u
		}
	}
	return &Registry{
		upstreams: ups,
		logger:    logger.With("component", "session_registry"),
		metrics:   m,
	}
}

// GetOrCreate returns the session for origin, creating it on first use.
// origin must be normalized with config.NormalizeOrigin.
func (r *Registry) GetOrCreate(origin string) (*Session, error) {
	if v, ok := r.sessions.Load(origin); ok {
		return v.(*Session), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.sessions.Load(origin); ok {
		return v.(*Session), nil
	}

	if r.closed {
		r.logger.Warn("session created after CloseAll; check shutdown ordering", "origin", origin)
	}

	up, ok := r.upstreams[origin]
	if !ok {
		up = defaultUpstream()
	}

	s, err := newSession(origin, up, r.logger, r.metrics)
	if err != nil {
		r.logger.Error("create session", "origin", origin, "err", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, origin, err)
	}

	r.sessions.Store(origin, s)
	r.created.Add(1)
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	r.logger.Info("session created", "origin", origin, "session_id", s.ID)

	return s, nil
}

// CloseAll releases every session's idle connections and empties the
// registry. It is safe to call more than once.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	r.sessions.Range(func(key, value any) bool {
		value.(*Session).close()
		r.sessions.Delete(key)
		n++
		return true
	})
	r.closed = true

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(0)
	}
	if n > 0 {
		r.logger.Info("sessions closed", "count", n)
	}
}

// Snapshot lists live sessions ordered by origin.
func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0)
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		out = append(out, Info{
			ID:        s.ID,
			Upstream:  s.Upstream,
			Origin:    s.Origin,
			CreatedAt: s.CreatedAt,
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func defaultUpstream() config.UpstreamConfig {
	return config.UpstreamConfig{
		TimeoutSeconds:  300,
		IdleConnections: 100,
	}
}
