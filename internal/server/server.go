// Package server exposes the analysis pipeline over HTTP: a streaming
// analyze endpoint, session lookup, and the operator console.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/controllame/docpipe/config"
	"github.com/controllame/docpipe/internal/agent"
	"github.com/controllame/docpipe/internal/corpus"
	"github.com/controllame/docpipe/internal/knowledge"
	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/pipeline"
	"github.com/controllame/docpipe/internal/provider"
	"github.com/controllame/docpipe/internal/session"
	"github.com/controllame/docpipe/internal/telemetry"
)

// PipelineRunner executes one document analysis. *pipeline.Controller
// satisfies it.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request, cb pipeline.Callbacks) (*pipeline.Outcome, error)
}

// RunLocker suppresses duplicate concurrent runs. *Locker satisfies it.
type RunLocker interface {
	Acquire(ctx context.Context, key string) (func(), bool)
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	cfg     *config.Config
	store   *session.Store
	pipe    PipelineRunner
	console *Console
	locks   RunLocker
	logger  *log.Logger
}

// NewServer wires handlers around already-built dependencies. console and
// locks may be nil; the matching features are disabled.
func NewServer(cfg *config.Config, store *session.Store, pipe PipelineRunner, console *Console, locks RunLocker, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if locks == nil {
		locks = NewLocker(nil, 0, logger)
	}
	return &Server{cfg: cfg, store: store, pipe: pipe, console: console, locks: locks, logger: logger}
}

// Register installs middleware and routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Tenant-ID"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.cfg.Telemetry.Enabled {
		e.GET(s.cfg.Telemetry.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	api.POST("/analyze", s.analyze)
	api.GET("/sessions/:id", s.getSession)

	if s.console.Enabled() {
		s.console.Register(api.Group("/console"))
	}
}

// tenantID scopes sessions per caller. Single-tenant deployments omit
// the header and share the default scope.
func tenantID(c echo.Context) string {
	if t := c.Request().Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "public"
}

// Run loads configuration, wires every dependency and serves until the
// listener fails. addr overrides the configured listen address.
func Run(cfgPath, addr string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.URL, "up", 0); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}

	store, err := session.NewWithDSN(ctx, cfg.Storage.Postgres.URL)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(cfg.ProviderSettings(), nil)
	resolver := models.NewResolver(registry, cfg.DefaultTier())

	var tel *telemetry.Telemetry
	var costs agent.CostObserver
	if cfg.Telemetry.Enabled {
		tel = telemetry.New(prometheus.DefaultRegisterer, nil)
		costs = tel
	}
	runner := agent.NewRunner(registry, resolver, costs, nil)

	// Vector indexing needs the embedding backend's credentials; without
	// them the pipeline runs analysis-only.
	var indexer *knowledge.Indexer
	if emb, err := registry.Embedder(); err == nil && emb.Available() {
		indexer = knowledge.NewIndexer(store.DB, emb, cfg.Knowledge.EmbeddingModel, nil)
	} else {
		log.Printf("[VECTOR] embedding backend not configured, indexing disabled")
	}

	var searcher corpus.Searcher
	if indexer != nil {
		emb, _ := registry.Embedder()
		searcher = corpus.NewPGSearcher(store.DB, emb, cfg.Knowledge.EmbeddingModel, nil)
	}
	retriever := pipeline.NewRetriever(searcher, nil)

	ctrl := pipeline.NewController(store, runner, retriever, indexer, tel, nil)

	var rdb *redis.Client
	if cfg.Storage.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
	}
	locks := NewLocker(rdb, cfg.Server.RequestTimeout, nil)

	var tracker *telemetry.CostTracker
	if tel != nil {
		tracker = tel.Costs()
	}
	console := NewConsole(cfg.Console, resolver, tracker, nil)

	sweeper := &Sweeper{
		Store:    store,
		Schedule: cfg.Pipeline.CleanupSchedule,
		TTL:      cfg.Pipeline.SessionTTL,
		Stop:     make(chan struct{}),
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer close(sweeper.Stop)

	srv := NewServer(cfg, store, ctrl, console, locks, nil)
	e := echo.New()
	srv.Register(e)

	if addr == "" {
		addr = cfg.Server.Address
	}
	return e.Start(addr)
}
