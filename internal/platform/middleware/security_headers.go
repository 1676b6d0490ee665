package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers every desk API response carries.
// strictTransport adds HSTS and is only turned on where the API sits behind
// TLS; a developer machine on plain http would otherwise pin itself to https.
func SecurityHeaders(strictTransport bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if strictTransport {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			// Appointment lists and visit records must not end up in shared
			// caches, and responses differ per facility and desk tab.
			h.Set("Cache-Control", "no-store")
			h.Add("Vary", "X-Facility-ID")
			h.Add("Vary", "X-Session-ID")
			return next(c)
		}
	}
}
