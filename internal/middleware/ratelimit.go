package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimiter returns an in-memory limiter allowing rps requests per second
// per caller. Callers are keyed by identityHeader when present, else by IP,
// so users behind one NAT gateway get separate buckets.
func RateLimiter(rps float64, identityHeader string) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(rps))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if identityHeader != "" {
				if user := c.Request().Header.Get(identityHeader); user != "" {
					return "user:" + user, nil
				}
			}
			return "ip:" + c.RealIP(), nil
		},
	})
}
