// Package api is the HTTP control plane: webhook intake, job queries, admin
// actions, processor control and the settings/prompts/templates surfaces.
// Handlers stay thin; business rules live in intake, store and executor.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"pixelpipe.3jms.dev/executor"
	"pixelpipe.3jms.dev/intake"
	"pixelpipe.3jms.dev/processor"
	"pixelpipe.3jms.dev/storage"
	"pixelpipe.3jms.dev/store"
	"pixelpipe.3jms.dev/version"
)

// Deps are the components the control plane fronts.
type Deps struct {
	Store     *store.Store
	Objects   storage.ObjectStore
	Intake    *intake.Intake
	Processor *processor.Processor
	Executor  *executor.Executor
}

// Config tunes the HTTP layer.
type Config struct {
	// BodyLimit caps webhook payloads (default: "10M").
	BodyLimit string

	// RateLimit is requests per second per client IP, 0 disables.
	RateLimit float64

	// PresignTTL is the validity of presigned URLs (default: 1h).
	PresignTTL time.Duration

	// MaxRetries bounds admin-triggered retries (default: 3).
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.BodyLimit == "" {
		c.BodyLimit = "10M"
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Server wraps the echo instance with its dependencies.
type Server struct {
	echo *echo.Echo
	deps Deps
	cfg  Config
}

// NewServer builds the echo application with all routes registered.
func NewServer(deps Deps, cfg Config) *Server {
	s := &Server{
		echo: echo.New(),
		deps: deps,
		cfg:  cfg.withDefaults(),
	}

	s.echo.HideBanner = true
	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.CORS())
	if s.cfg.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStore(rate.Limit(s.cfg.RateLimit))))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/stats", s.handleStats)

	e.POST("/webhooks/3jms/images", s.handleWebhook, middleware.BodyLimit(s.cfg.BodyLimit))

	e.GET("/jobs", s.handleListJobs)
	e.GET("/jobs/:id", s.handleGetJob)
	e.GET("/jobs/:id/presign", s.handlePresignGet)
	e.POST("/jobs/:id/presign", s.handlePresignPair)
	e.POST("/jobs/:id/retry", s.handleRetryJob)
	e.POST("/jobs/:id/fail", s.handleFailJob)
	e.POST("/jobs/:id/push-shopify", s.handlePushShopify)

	e.GET("/processor/status", s.handleProcessorStatus)
	e.POST("/processor/start", s.handleProcessorStart)
	e.POST("/processor/stop", s.handleProcessorStop)

	e.GET("/settings", s.handleListSettings)
	e.PUT("/settings/:key", s.handlePutSetting)

	e.GET("/prompts", s.handleListPrompts)
	e.POST("/prompts", s.handleCreatePrompt)
	e.PUT("/prompts/:id", s.handleUpdatePrompt)
	e.DELETE("/prompts/:id", s.handleDeletePrompt)

	e.GET("/templates", s.handleListTemplates)
	e.POST("/templates", s.handleCreateTemplate)
	e.DELETE("/templates/:id", s.handleDeleteTemplate)
	e.POST("/templates/:id/assets", s.handleTemplateAsset)
	e.POST("/templates/:id/activate", s.handleActivateTemplate)
	e.POST("/templates/deactivate", s.handleDeactivateTemplate)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func errJSON(c echo.Context, status int, msg string, details interface{}) error {
	return c.JSON(status, errorBody{Error: msg, Details: details})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "pixelpipe",
		"version": version.Version(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Store.Stats(c.Request().Context())
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, "could not compute stats", nil)
	}
	return c.JSON(http.StatusOK, stats)
}
