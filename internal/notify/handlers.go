package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/idgen"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/security"
	"github.com/marketplane/escrowd/internal/validation"
)

// knownEvents are the subscribable lifecycle event types.
var knownEvents = map[string]bool{
	escrow.EventCreated:  true,
	escrow.EventFunded:   true,
	escrow.EventReleased: true,
	escrow.EventRefunded: true,
	escrow.EventDisputed: true,
}

// Handler provides subscription management endpoints.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up subscription routes. The group must already carry
// authentication; every route is scoped to the calling user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/notifications/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:id", h.DeleteSubscription)
}

// CreateSubscriptionRequest is the JSON body for POST /v1/notifications/subscriptions.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "InvalidRequest",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("url", req.URL, 2048),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errs.Error(),
			"code":    "InvalidRequest",
			"details": errs,
		})
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "url rejected: " + err.Error(),
			"code":  "InvalidRequest",
		})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "at least one event type is required",
			"code":  "InvalidRequest",
		})
		return
	}
	for _, e := range req.Events {
		if !knownEvents[e] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown event type: " + e,
				"code":  "InvalidRequest",
			})
			return
		}
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    c.GetString("authUserID"),
		URL:       req.URL,
		Secret:    idgen.Secret(),
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		logging.L(c.Request.Context()).Error("subscription create failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not create subscription",
			"code":  "Internal",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret, // only shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256 of the raw request body",
			"header":    "X-Marketplane-Signature",
		},
	})
}

// ListSubscriptions handles GET /v1/notifications/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		logging.L(c.Request.Context()).Error("subscription list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not list subscriptions",
			"code":  "Internal",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DeleteSubscription handles DELETE /v1/notifications/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "subscription not found",
				"code":  "NotFound",
			})
			return
		}
		logging.L(c.Request.Context()).Error("subscription lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not delete subscription",
			"code":  "Internal",
		})
		return
	}

	// Someone else's subscription is reported as missing, not forbidden.
	if sub.UserID != callerID {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "subscription not found",
			"code":  "NotFound",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		logging.L(c.Request.Context()).Error("subscription delete failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "could not delete subscription",
			"code":  "Internal",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
