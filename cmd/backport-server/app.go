package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/backport/internal/backport"
	"github.com/ehr/backport/internal/config"
	"github.com/ehr/backport/internal/domain/subscription"
	"github.com/ehr/backport/internal/domain/topic"
	"github.com/ehr/backport/internal/platform/middleware"
	"github.com/ehr/backport/internal/platform/upstream"
)

const version = "0.1.0"

// app is the wired service graph shared by serve and poll.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	stores *stores

	subs   *subscription.Service
	topics *topic.Service
	engine *backport.Engine
	sched  *backport.Scheduler
}

func newLogger(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newApp(cfg *config.Config, st *stores, logger zerolog.Logger) (*app, error) {
	upCfg := upstream.Config{
		BaseURL:      cfg.FHIRClientBaseURL,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
		Scopes:       cfg.FHIRClientScopes,
		KeyID:        cfg.FHIRClientKeyID,
		Timeout:      cfg.UpstreamTimeout,
		RPS:          cfg.UpstreamRPS,
		MaxPages:     cfg.UpstreamMaxPages,
		RetryCount:   2,
	}
	if cfg.FHIRClientKeyFile != "" {
		key, err := upstream.LoadPrivateKey(cfg.FHIRClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key: %w", err)
		}
		upCfg.PrivateKey = key
	}
	client := upstream.New(upCfg, logger)

	dispatcher := backport.NewDispatcher(st.subs, cfg.ResourceServer, cfg.WebhookTimeout, logger)
	engine := backport.NewEngine(st.subs, st.topics, st.state, client, dispatcher, cfg.PollMaxConcurrent, logger)
	sched := backport.NewScheduler(engine, cfg.PollEvery(), logger)

	subSvc := subscription.NewService(st.subs)
	subSvc.OnCreate(sched.SubscriptionCreated)

	return &app{
		cfg:    cfg,
		logger: logger,
		stores: st,
		subs:   subSvc,
		topics: topic.NewService(st.topics),
		engine: engine,
		sched:  sched,
	}, nil
}

// routes builds the HTTP server.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", a.stores.health)

	root := e.Group("")
	fhirGroup := e.Group("/fhir")

	topic.NewHandler(a.topics).RegisterRoutes(root, fhirGroup)
	subscription.NewHandler(a.subs, a.cfg.ResourceServer).RegisterRoutes(fhirGroup)

	return e
}
