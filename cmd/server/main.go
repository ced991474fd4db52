package main // Entry point package

import (
	"context"
	"log" // Logging library
	"time"

	"github.com/joho/godotenv"    // Loads .env files into the environment
	"github.com/labstack/echo/v4" // Echo web framework

	"github.com/iliyamo/contract-drafting/internal/agent"
	"github.com/iliyamo/contract-drafting/internal/config"   // Internal config loader
	"github.com/iliyamo/contract-drafting/internal/database" // MySQL connection helper
	"github.com/iliyamo/contract-drafting/internal/engine"
	"github.com/iliyamo/contract-drafting/internal/handler"
	"github.com/iliyamo/contract-drafting/internal/pii"
	"github.com/iliyamo/contract-drafting/internal/registry"
	"github.com/iliyamo/contract-drafting/internal/render"
	"github.com/iliyamo/contract-drafting/internal/repository"
	"github.com/iliyamo/contract-drafting/internal/router" // Internal router setup
	queue_publisher "github.com/iliyamo/contract-drafting/internal/service"
)

func main() {
	_ = godotenv.Load() // Load .env when present; real env always wins

	cfg := config.Load() // Load environment config

	// MySQL carries the durable data: user accounts and the contract
	// archive.  Schema is ensured at startup so a fresh database works
	// without migrations.
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	users := repository.NewUserRepo(db)
	if err := users.EnsureSchema(ctx); err != nil {
		log.Fatalf("mysql schema (users): %v", err)
	}
	archive := repository.NewContractArchive(db)
	if err := archive.EnsureSchema(ctx); err != nil {
		log.Fatalf("mysql schema (contracts): %v", err)
	}

	// Redis is the hot session store and backs the rate limiter.  The
	// client is nil when Redis is unreachable; sessions then live in the
	// in-process memory store and rate limiting is disabled.
	rdb := config.NewRedisClient()
	mem := repository.NewMemoryStore()
	var store repository.SessionRepository = mem
	if rdb != nil {
		redisStore := repository.NewRedisStore(rdb, time.Duration(cfg.SessionTTLHours)*time.Hour)
		store = repository.NewTieredStore(redisStore, mem)
	} else {
		log.Println("redis unavailable, sessions are in-memory only")
	}

	// Category schemas and document templates come from disk.  A missing
	// registry directory is fatal: the engine cannot validate anything
	// without field schemas.
	reg, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	renderer := render.NewTextRenderer(cfg.TemplatesDir, cfg.ArtifactsDir)

	// Session events go to RabbitMQ; publish failures are logged and
	// swallowed inside the publisher so the broker is never on the
	// request path.
	publisher := queue_publisher.NewPublisher(cfg.RabbitMQURL)

	eng := engine.New(store, reg, renderer, publisher, archive)
	tools := agent.NewRouter(eng, pii.NewTagger())

	e := echo.New() // Create Echo instance
	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users), cfg.JWTSecret)
	router.RegisterSessions(e, handler.NewSessionHandler(eng, tools), cfg.JWTSecret, config.LoadRateLimitConfig(), rdb)
	router.RegisterArchive(e, handler.NewArchiveHandler(archive), cfg.JWTSecret)

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	if err := e.Start(addr); err != nil { // Start HTTP server
		log.Fatal(err) // Log and exit if server fails
	}
}
