// Package api serves the read-only HTTP JSON API over the reconciliation
// store: devices, jobs by pool, authorizations and quota balances.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

// Store is the read side of the reconciliation store.
type Store interface {
	Devices(ctx context.Context) ([]types.Device, error)
	Device(ctx context.Context, name string) (types.Device, error)
	Job(ctx context.Context, id types.JobID) (types.Job, error)
	UnmatchedJobs(ctx context.Context) ([]types.Job, error)
	CurrentJobs(ctx context.Context) ([]types.Job, error)
	ArchivedJobs(ctx context.Context, limit int) ([]types.Job, error)
	UnmatchedAuthorizations(ctx context.Context) ([]types.Authorization, error)
	ArchivedAuthorizations(ctx context.Context, limit int) ([]types.Authorization, error)
	GetQuota(ctx context.Context, user string) (float64, error)
	Ledger(ctx context.Context, user string) ([]store.LedgerEntry, error)
	Stats(ctx context.Context) (types.Stats, error)
	Quota() store.QuotaPolicy
}

// SetupRouter sets up the API routes.
func SetupRouter(s Store, clk clock.Clock, logger *slog.Logger) *gin.Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	handler := NewHandler(s, clk, logger)

	router.GET("/healthz", handler.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/devices", handler.GetDevices)
		api.GET("/devices/:name", handler.GetDevice)

		api.GET("/jobs", handler.GetJobs)
		api.GET("/jobs/:id", handler.GetJob)

		api.GET("/authorizations", handler.GetAuthorizations)

		api.GET("/quota/:user", handler.GetQuota)
		api.GET("/stats", handler.GetStats)
	}
	return router
}

// NewServer wraps the router in an HTTP server listening on addr.
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(began))
	}
}
