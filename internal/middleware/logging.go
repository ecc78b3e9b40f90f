// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// identityHeader names the inbound header carrying the caller's user id.
func RequestLogger(logger *slog.Logger, identityHeader string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if identityHeader != "" {
				if user := req.Header.Get(identityHeader); user != "" {
					attrs = append(attrs, "user", user)
				}
			}
			if attempts := res.Header().Get("X-Proxy-Attempts"); attempts != "" {
				attrs = append(attrs, "attempts", attempts)
			}

			if !res.Committed && req.Context().Err() != nil {
				logger.Debug("request canceled", attrs...)
				return err
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
