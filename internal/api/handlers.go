package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

const defaultArchiveLimit = 100

// Handler represents the API handlers.
type Handler struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(s Store, clk clock.Clock, logger *slog.Logger) *Handler {
	return &Handler{store: s, clock: clk, logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetDevices returns every device record.
func (h *Handler) GetDevices(c *gin.Context) {
	devices, err := h.store.Devices(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(devices))
}

// GetDevice returns one device record.
func (h *Handler) GetDevice(c *gin.Context) {
	device, err := h.store.Device(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// GetJobs lists one pool: ?pool=unmatched|current|archived (default
// current). Archived lists accept ?limit=N, newest first.
func (h *Handler) GetJobs(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		jobs []types.Job
		err  error
	)
	switch types.JobPool(c.DefaultQuery("pool", string(types.PoolCurrent))) {
	case types.PoolUnmatched:
		jobs, err = h.store.UnmatchedJobs(ctx)
	case types.PoolCurrent:
		jobs, err = h.store.CurrentJobs(ctx)
	case types.PoolArchived:
		limit, ok := h.limit(c)
		if !ok {
			return
		}
		jobs, err = h.store.ArchivedJobs(ctx, limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "pool must be unmatched, current or archived"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(jobs))
}

// GetJob returns one job from whichever pool holds it.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.Job(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetAuthorizations lists ?state=unmatched (default) or archived.
func (h *Handler) GetAuthorizations(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		auths []types.Authorization
		err   error
	)
	switch c.DefaultQuery("state", "unmatched") {
	case "unmatched":
		auths, err = h.store.UnmatchedAuthorizations(ctx)
	case "archived":
		limit, ok := h.limit(c)
		if !ok {
			return
		}
		auths, err = h.store.ArchivedAuthorizations(ctx, limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be unmatched or archived"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(auths))
}

// GetQuota returns a user's balance in the current period and the ledger.
// Exempt users have no balance; JSON cannot carry an infinite number.
func (h *Handler) GetQuota(c *gin.Context) {
	ctx := c.Request.Context()
	user := strings.ToLower(strings.TrimSpace(c.Param("user")))
	policy := h.store.Quota()

	resp := gin.H{
		"user":   user,
		"exempt": policy.IsExempt(user),
		"period": policy.Period(h.clock.Now()),
	}
	if !policy.IsExempt(user) {
		balance, err := h.store.GetQuota(ctx, user)
		if err != nil {
			h.fail(c, err)
			return
		}
		resp["balance"] = balance
	}
	ledger, err := h.store.Ledger(ctx, user)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp["ledger"] = nonNil(ledger)
	c.JSON(http.StatusOK, resp)
}

// GetStats returns pool sizes.
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultArchiveLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrDeviceNotFound), errors.Is(err, store.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("API request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
