// Package ops provides operator endpoints for inspecting and resolving
// payments that are stuck or parked for reconciliation. The server mounts
// every route here behind the admin role.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/reconciliation"
)

// EscrowService abstracts the escrow operations ops handlers need.
type EscrowService interface {
	Get(ctx context.Context, id string) (*escrow.EscrowPayment, error)
	History(ctx context.Context, id string) ([]*escrow.HistoryEntry, error)
	Reconcile(ctx context.Context, id, actor string) (*escrow.EscrowPayment, error)
}

// SweepRunner runs a full reconciliation sweep on demand.
type SweepRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// PendingLister is the store view of the queue the next sweep would pick up.
type PendingLister interface {
	ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*escrow.EscrowPayment, error)
	CountNeedingReconciliation(ctx context.Context) (int, error)
}

// Handler provides the ops HTTP endpoints.
type Handler struct {
	escrows EscrowService
	sweeper SweepRunner
	pending PendingLister
}

// NewHandler creates a new ops handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithEscrowService sets the escrow service for per-payment operations.
func (h *Handler) WithEscrowService(svc EscrowService) *Handler {
	h.escrows = svc
	return h
}

// WithSweepRunner sets the runner for on-demand sweeps.
func (h *Handler) WithSweepRunner(r SweepRunner) *Handler {
	h.sweeper = r
	return h
}

// WithPendingLister sets the store view backing the pending queue.
func (h *Handler) WithPendingLister(l PendingLister) *Handler {
	h.pending = l
	return h
}

// RegisterRoutes sets up ops routes. The group must already enforce the
// admin role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ops/reconciliation/pending", h.ListPending)
	r.POST("/ops/reconciliation/run", h.RunSweep)
	r.POST("/ops/escrow/:id/reconcile", h.ReconcilePayment)
	r.GET("/ops/escrow/:id", h.GetPayment)
}

// ListPending handles GET /v1/ops/reconciliation/pending. It returns parked
// payments plus payments still pending past the age cutoff, the same set the
// periodic sweep works through.
func (h *Handler) ListPending(c *gin.Context) {
	if h.pending == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pending queue not configured", "code": "Internal"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	age := 30 * time.Minute
	if m := c.Query("pendingMinutes"); m != "" {
		if parsed, err := strconv.Atoi(m); err == nil && parsed > 0 && parsed <= 7*24*60 {
			age = time.Duration(parsed) * time.Minute
		}
	}

	payments, err := h.pending.ListStuck(c.Request.Context(), time.Now().UTC().Add(-age), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("listing stuck payments failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pending payments", "code": "Internal"})
		return
	}
	if payments == nil {
		payments = []*escrow.EscrowPayment{}
	}

	resp := gin.H{"payments": payments, "count": len(payments)}
	if parked, err := h.pending.CountNeedingReconciliation(c.Request.Context()); err == nil {
		resp["needsReconciliation"] = parked
	} else {
		logging.L(c.Request.Context()).Warn("counting parked payments failed", "error", err)
	}

	c.JSON(http.StatusOK, resp)
}

// RunSweep handles POST /v1/ops/reconciliation/run.
func (h *Handler) RunSweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sweep runner not configured", "code": "Internal"})
		return
	}

	report, err := h.sweeper.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual reconciliation sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation sweep failed", "code": "Internal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// ReconcilePayment handles POST /v1/ops/escrow/:id/reconcile. The admin's
// own id goes on the history entry.
func (h *Handler) ReconcilePayment(c *gin.Context) {
	if h.escrows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured", "code": "Internal"})
		return
	}

	actor := c.GetString("authUserID")
	if actor == "" {
		actor = escrow.ActorSystem
	}

	p, err := h.escrows.Reconcile(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/ops/escrow/:id. Unlike the user-facing read it
// is not scoped to the payment's parties, and it includes the audit trail.
func (h *Handler) GetPayment(c *gin.Context) {
	if h.escrows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured", "code": "Internal"})
		return
	}

	p, err := h.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	history, err := h.escrows.History(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if history == nil {
		history = []*escrow.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"payment": p, "history": history})
}

// respondError translates errors from the escrow service into the wire
// shape {"error": message, "code": kind}.
func respondError(c *gin.Context, err error) {
	var stale *escrow.StaleTransitionError
	if errors.As(err, &stale) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "payment is " + string(stale.Found) + ", expected " + string(stale.Expected),
			"code":   "StaleTransition",
			"status": stale.Found,
		})
		return
	}

	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "payment not found",
			"code":  "NotFound",
		})
	case errors.Is(err, gateway.ErrOrderNotFound):
		c.JSON(http.StatusConflict, gin.H{
			"error": "the gateway has no record of this payment's order",
			"code":  "StaleTransition",
		})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "the payment gateway is temporarily unavailable, try again shortly",
			"code":  "GatewayUnavailable",
		})
	default:
		logging.L(c.Request.Context()).Error("ops request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "Internal",
		})
	}
}
