package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/contract-drafting/internal/config"
	"github.com/iliyamo/contract-drafting/internal/handler"    // import the handlers that implement business logic
	"github.com/iliyamo/contract-drafting/internal/middleware" // import middleware for JWT authentication and rate limiting
)

// RegisterRoutes registers routes that do not require authentication on the
// provided Echo instance.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	// Map the GET request at path "/healthz" to the Health handler.  This
	// endpoint can be used by load balancers or monitoring systems to verify
	// that the service is up and running.
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers all authentication-related routes and applies the
// necessary middleware.  Unauthenticated operations (register, login) live
// under /v1/auth, while protected endpoints live under /v1.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	// Group for operations that do not require an existing token.  Each of
	// these handlers is responsible for issuing tokens.
	g := e.Group("/v1/auth")
	// Register a POST endpoint to handle user registration at /v1/auth/register.
	g.POST("/register", a.Register)
	// Register a POST endpoint to handle user login at /v1/auth/login.
	g.POST("/login", a.Login)

	// Group for routes that require a valid access token.  All handlers
	// registered on this group will execute the JWTAuth middleware before
	// being invoked.
	auth := e.Group("/v1")
	auth.Use(middleware.JWTAuth(jwtSecret))
	// Register a GET endpoint at /v1/me that returns the authenticated user's information.
	auth.GET("/me", a.Me)
}

// RegisterSessions registers the drafting session endpoints under /v1.  All
// routes require a valid JWT; mutating endpoints additionally pass through
// the Redis token-bucket rate limiter so a runaway agent loop cannot hammer
// the engine.  When rdb is nil the limiter is skipped entirely.
func RegisterSessions(e *echo.Echo, h *handler.SessionHandler, jwtSecret string, rl config.RateLimitConfig, rdb *redis.Client) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	if rdb != nil {
		g.Use(middleware.NewTokenBucket(rl, rdb))
	}

	// Registry browsing.  These return only schema metadata, never session
	// content, but still sit behind auth like everything else under /v1.
	g.GET("/categories", h.Categories)
	g.GET("/categories/search", h.SearchCategories)

	// Session lifecycle.
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)
	g.DELETE("/sessions/:id", h.DeleteSession)

	// Drafting operations on one session.  Each maps onto a single engine
	// operation; ordering and locking are the engine's concern.
	g.POST("/sessions/:id/category", h.SelectCategory)
	g.POST("/sessions/:id/template", h.SelectTemplate)
	g.POST("/sessions/:id/party", h.SetPartyContext)
	g.POST("/sessions/:id/fields", h.UpsertField)
	g.POST("/sessions/:id/filling-mode", h.SetFillingMode)
	g.GET("/sessions/:id/summary", h.Summary)
	g.GET("/sessions/:id/missing", h.Missing)
	g.POST("/sessions/:id/build", h.Build)
	g.POST("/sessions/:id/sign", h.Sign)

	// Agent tool surface: list what is callable in the current state and
	// dispatch one call.  Tag resolution and masking happen in the router
	// before anything reaches the engine.
	g.GET("/sessions/:id/tools", h.ListTools)
	g.POST("/sessions/:id/tools", h.DispatchTool)
}

// RegisterArchive registers the durable contract archive endpoints.  These
// read from MySQL rather than the session store, so completed contracts
// remain reachable after the hot session expires.
func RegisterArchive(e *echo.Echo, h *handler.ArchiveHandler, jwtSecret string) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	g.GET("/contracts", h.ListContracts)
	g.GET("/contracts/:id", h.GetContract)
}
