package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/taylojo5/theo-core/config"
	"github.com/taylojo5/theo-core/internal/approval"
	"github.com/taylojo5/theo-core/internal/audit"
	"github.com/taylojo5/theo-core/internal/store"
)

// newHTTPErrorHandler renders every handler error as the unified JSON error
// payload and logs it.
func newHTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
}

// Run wires the store, approval manager and sweeper together and serves the
// HTTP API until the process exits.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = newHTTPErrorHandler(baseLogger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("migrate: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	sink := audit.NewStoreSink(st)
	mgrLogger := log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags)
	mgr := approval.NewManager(st, sink, mgrLogger, cfg.Approvals.Expirations.Table())

	sweeper := approval.NewSweeper(st, nil)
	if cfg.Sweeper.Interval > 0 {
		sweeper.Interval = cfg.Sweeper.Interval
	}
	sweeper.Schedule = cfg.Sweeper.Schedule
	if cfg.Sweeper.BatchSize > 0 {
		sweeper.BatchSize = cfg.Sweeper.BatchSize
	}
	if cfg.Sweeper.BatchDelay > 0 {
		sweeper.BatchDelay = cfg.Sweeper.BatchDelay
	}
	if cfg.Approvals.WarningWindow > 0 {
		sweeper.WarningWindow = cfg.Approvals.WarningWindow
	}
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		sweeper.Rdb = rdb
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	ah := &ApprovalsHandler{Manager: mgr, Sweeper: sweeper, Store: st}
	ah.Register(api.Group("/approvals"), auth.Secret)

	ph := &PlansHandler{Store: st, Manager: mgr}
	ph.Register(api.Group("/plans"), auth.Secret)

	if cfg.Sweeper.Enabled {
		sweeper.Start()
		defer sweeper.Stop()
	}

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
