package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/logging"
)

// maxPayloadSize bounds a delivery body. Gateway events are small; anything
// larger fails signature verification once truncated.
const maxPayloadSize = 64 * 1024

// Handler receives payment gateway webhook deliveries.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes mounts the delivery endpoint. It lives outside the
// authenticated group and the rate limiter: the HMAC signature is the
// authentication, and backing off a retrying gateway loses events.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/payment-gateway", h.HandleDelivery)
}

// HandleDelivery handles POST /webhooks/payment-gateway.
//
// 200 once the event is durably recorded, even when applying it was a no-op.
// 400 only for unverifiable or malformed payloads; 500 when recording failed
// and the gateway should redeliver.
func (h *Handler) HandleDelivery(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unreadable request body",
			"code":  "InvalidRequest",
		})
		return
	}

	rec, err := h.reconciler.Process(c.Request.Context(), payload, c.Request.Header)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": rec.Outcome})
	case errors.Is(err, gateway.ErrInvalidSignature), errors.Is(err, gateway.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid webhook delivery",
			"code":  "InvalidRequest",
		})
	default:
		logging.L(c.Request.Context()).Error("webhook processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "event could not be recorded",
			"code":  "Internal",
		})
	}
}
