package middleware

// identity.go defines helper functions shared across middleware files. It
// provides the user-id extraction used by the rate limiter key builder.

import (
	"github.com/labstack/echo/v4"
)

// currentUserID returns the authenticated user's id from the context as
// stored by JWTAuth, or "anon" when the request is unauthenticated.
func currentUserID(c echo.Context) string {
	if v := c.Get("user_id"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "anon"
}
