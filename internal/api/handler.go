// Package api exposes sync and resilience administration over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradesync/internal/app"
	"tradesync/internal/ports"
	"tradesync/internal/ratelimit"
	"tradesync/internal/resilience"
)

// Syncer runs provider syncs.
type Syncer interface {
	SyncProvider(ctx context.Context, req app.SyncRequest) (*app.SyncResult, error)
	SyncAll(ctx context.Context, reqs []app.SyncRequest) ([]*app.SyncResult, error)
}

type syncBody struct {
	UserID    string    `json:"user_id" binding:"required"`
	Provider  string    `json:"provider" binding:"required"`
	AccountID string    `json:"account_id"`
	Since     time.Time `json:"since"`
}

func (b syncBody) request() app.SyncRequest {
	return app.SyncRequest{UserID: b.UserID, Provider: b.Provider, AccountID: b.AccountID, Since: b.Since}
}

type batchBody struct {
	Requests []syncBody `json:"requests" binding:"required,min=1,dive"`
}

// Handler serves the API routes.
type Handler struct {
	syncer   Syncer
	breakers *resilience.Registry
	limiter  *ratelimit.Limiter
	logger   ports.Logger
}

// NewHandler creates a handler. limiter may be nil when rate limiting is off.
func NewHandler(syncer Syncer, breakers *resilience.Registry, limiter *ratelimit.Limiter, logger ports.Logger) *Handler {
	return &Handler{
		syncer:   syncer,
		breakers: breakers,
		limiter:  limiter,
		logger:   logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Sync runs one provider sync. The result is returned even when some
// accounts failed; a run that synced nothing answers 502.
func (h *Handler) Sync(c *gin.Context) {
	var body syncBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.syncer.SyncProvider(c.Request.Context(), body.request())
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Failed() && len(res.Accounts) == 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

// SyncBatch runs several syncs concurrently.
func (h *Handler) SyncBatch(c *gin.Context) {
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reqs := make([]app.SyncRequest, 0, len(body.Requests))
	for _, r := range body.Requests {
		reqs = append(reqs, r.request())
	}

	results, err := h.syncer.SyncAll(c.Request.Context(), reqs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Circuits lists every breaker.
func (h *Handler) Circuits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": h.breakers.AllStats()})
}

// Circuit shows one provider's breaker.
func (h *Handler) Circuit(c *gin.Context) {
	stats, ok := h.breakers.Stats(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no circuit for provider " + c.Param("provider")})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ResetCircuit closes one provider's breaker.
func (h *Handler) ResetCircuit(c *gin.Context) {
	provider := c.Param("provider")
	if err := h.breakers.Reset(provider); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info(c.Request.Context(), "Circuit reset via API", map[string]interface{}{"provider": provider})
	stats, _ := h.breakers.Stats(provider)
	c.JSON(http.StatusOK, stats)
}

// ResetCircuits closes every breaker.
func (h *Handler) ResetCircuits(c *gin.Context) {
	h.breakers.ResetAll()
	h.logger.Info(c.Request.Context(), "All circuits reset via API")
	c.JSON(http.StatusOK, gin.H{"circuits": h.breakers.AllStats()})
}

// RateLimits lists window usage.
func (h *Handler) RateLimits(c *gin.Context) {
	if h.limiter == nil {
		c.JSON(http.StatusOK, gin.H{"usage": []ratelimit.Usage{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": h.limiter.Usage()})
}

// ResetRateLimits clears windows for ?provider=, or all of them.
func (h *Handler) ResetRateLimits(c *gin.Context) {
	provider := c.Query("provider")
	if h.limiter != nil {
		if provider != "" {
			h.limiter.ResetProvider(provider)
		} else {
			h.limiter.ResetAll()
		}
	}
	h.logger.Info(c.Request.Context(), "Rate limit windows reset via API", map[string]interface{}{"provider": provider})
	c.JSON(http.StatusOK, gin.H{"reset": true, "provider": provider})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(c.Request.Context(), err, "API request failed", map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var rateErr *ports.RateLimitError
	switch {
	case errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrUnknownProvider), errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.Is(err, ports.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
