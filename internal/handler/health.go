package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"llm-session-proxy/internal/config"
	"llm-session-proxy/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	registry *session.Registry
	version  Version
}

type upstreamInfo struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
}

type statusResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Upstreams []upstreamInfo `json:"upstreams"`
	Sessions  []session.Info `json:"sessions"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, reg *session.Registry, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, registry: reg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the configured upstreams and the live sessions.
func (h *HealthHandler) Status(c echo.Context) error {
	ups := make([]upstreamInfo, 0, len(h.cfg.Upstreams))
	for _, u := range h.cfg.Upstreams {
		ups = append(ups, upstreamInfo{Name: u.Name, Origin: u.BaseURL})
	}

	sessions := []session.Info{}
	if h.registry != nil {
		sessions = h.registry.Snapshot()
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:    "ok",
		Version:   string(h.version),
		Upstreams: ups,
		Sessions:  sessions,
	})
}
