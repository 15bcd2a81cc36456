package taskd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"

	"github.com/taskwire/taskwire/cache"
	"github.com/taskwire/taskwire/counters"
	"github.com/taskwire/taskwire/events"
	"github.com/taskwire/taskwire/monitor"
	"github.com/taskwire/taskwire/store"
)

type Config struct {
	// hard cap on snapshot TTL; a task's own expiry may shorten it
	MaxTaskTTL time.Duration

	// page length for the ordering index
	PageSize int

	// cache liveness poll interval
	MonitorInterval time.Duration

	// fan-out pub/sub channel name
	EventsChannel string

	// requests per RateWindow per client IP; 0 disables limiting
	RateLimit  int
	RateWindow time.Duration

	// best-effort redis maxmemory setting, e.g. "256mb"; empty skips it
	MaxCacheMemory string

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxTaskTTL:      time.Hour,
		PageSize:        20,
		MonitorInterval: 5 * time.Second,
		EventsChannel:   "tasks_channel",
		RateLimit:       100,
		RateWindow:      time.Minute,
	}
}

// Server wires the engine to its collaborators and serves the HTTP API.
type Server struct {
	engine  *Engine
	monitor *monitor.Monitor
	limiter *rateLimiter
	echo    *echo.Echo
	httpd   *http.Server
	log     *slog.Logger
	cfg     Config
}

func NewServer(db *gorm.DB, rdb *redis.Client, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	st, err := store.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	taskCache := cache.NewRedisTaskCacheWithClient(rdb, cfg.MaxTaskTTL)
	taskCache.ConfigureMemoryPolicy(context.TODO(), cfg.MaxCacheMemory)

	bus := events.NewRedisBus(rdb, cfg.EventsChannel)
	counterSync := counters.NewSynchronizer(counters.NewRedisCounterStore(rdb), st, bus)
	engine := NewEngine(st, taskCache, counterSync, bus, cfg.PageSize)

	mon := monitor.New(taskCache.Ping, engine.RecoverCache, cfg.MonitorInterval)

	srv := &Server{
		engine:  engine,
		monitor: mon,
		log:     logger.With("system", "taskd"),
		cfg:     cfg,
	}
	if cfg.RateLimit > 0 {
		srv.limiter = newRateLimiter(rdb, cfg.RateLimit, cfg.RateWindow)
	}
	srv.buildEcho(logger)
	return srv, nil
}

func (srv *Server) buildEcho(logger *slog.Logger) {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("taskwire"))
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.handleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())
	e.GET("/ws", srv.handleSubscribe)

	api := e.Group("")
	if srv.limiter != nil {
		api.Use(srv.limiter.Middleware())
	}
	api.POST("/tasks", srv.handleCreateTask)
	api.GET("/tasks/:page", srv.handleGetTasksPage)
	api.GET("/tasks/id/:id", srv.handleGetTask)
	api.PUT("/tasks/:id", srv.handleUpdateTask)
	api.DELETE("/tasks/:id", srv.handleDeleteTask)
	api.GET("/analytics", srv.handleAnalytics)

	srv.echo = e
}

// Run brings the service up and blocks until ctx is cancelled. Startup
// order matters: counters reconcile before any traffic is accepted, so a
// previous process's stale redis state cannot leak into responses.
func (srv *Server) Run(ctx context.Context, bind string) error {
	if err := srv.engine.counters.ReconcileAll(ctx); err != nil {
		return fmt.Errorf("startup counter reconciliation: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.monitor.Run(bgCtx)
	}()

	srv.httpd = &http.Server{
		Handler:        srv.echo,
		Addr:           bind,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	srv.log.Info("starting server", "bind", bind)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		bgCancel()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	srv.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.httpd.Shutdown(shutdownCtx); err != nil {
		srv.log.Error("http shutdown error", "err", err)
	}

	// stop background loops only after the listener is drained, so
	// in-flight requests keep their monitor and cache available
	bgCancel()
	wg.Wait()
	srv.log.Info("graceful shutdown complete")
	return nil
}

type healthStatus struct {
	Daemon string `json:"daemon"`
	Status string `json:"status"`
	Cache  string `json:"cache"`
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	cacheState := "up"
	if !srv.monitor.Healthy() {
		cacheState = "down"
	}
	return c.JSON(http.StatusOK, healthStatus{Daemon: "taskwire", Status: "ok", Cache: cacheState})
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= 500 {
		srv.log.Warn("request failed", "path", c.Path(), "err", err)
		// anything unanticipated collapses to a generic failure
		msg = "internal server error"
	}
	c.JSON(code, map[string]string{"detail": msg})
}
