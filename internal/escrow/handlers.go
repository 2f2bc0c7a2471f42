package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/money"
	"github.com/marketplane/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetPayment)
	r.GET("/escrow/:id/history", h.GetHistory)
	r.GET("/projects/:projectId/escrow", h.ListByProject)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreatePayment)
	r.POST("/escrow/:id/fund", h.FundPayment)
	r.POST("/escrow/:id/release", h.ReleasePayment)
	r.POST("/escrow/:id/refund", h.RefundPayment)
	r.POST("/escrow/:id/dispute", h.DisputePayment)
}

// CreateRequest is the JSON body for POST /v1/escrow.
type CreateRequest struct {
	ProjectID   string `json:"projectId"`
	PayeeID     string `json:"payeeId"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

// ReleaseRequest optionally names the payee when none is bound yet.
type ReleaseRequest struct {
	PayeeID string `json:"payeeId"`
}

// DisputeRequest carries the reason for freezing the payment.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// CreatePayment handles POST /v1/escrow
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "InvalidRequest",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("projectId", req.ProjectID),
		validation.ValidID("projectId", req.ProjectID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("description", req.Description, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errs.Error(),
			"code":    "InvalidRequest",
			"details": errs,
		})
		return
	}

	callerID := c.GetString("authUserID")
	p, err := h.service.Create(c.Request.Context(), CreateParams{
		ProjectID:   req.ProjectID,
		ClientID:    callerID,
		PayeeID:     req.PayeeID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: validation.SanitizeString(req.Description, 2000),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// FundPayment handles POST /v1/escrow/:id/fund
func (h *Handler) FundPayment(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID") // Set by auth middleware

	p, err := h.service.Fund(c.Request.Context(), id, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ReleasePayment handles POST /v1/escrow/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	// The body is optional; it only matters when no payee is bound yet.
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "InvalidRequest",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("payeeId", req.PayeeID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errs.Error(),
			"code":    "InvalidRequest",
			"details": errs,
		})
		return
	}

	p, err := h.service.Release(c.Request.Context(), id, req.PayeeID, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// RefundPayment handles POST /v1/escrow/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	p, err := h.service.Refund(c.Request.Context(), id, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// DisputePayment handles POST /v1/escrow/:id/dispute
func (h *Handler) DisputePayment(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
			"code":  "InvalidRequest",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errs.Error(),
			"code":    "InvalidRequest",
			"details": errs,
		})
		return
	}

	p, err := h.service.Dispute(c.Request.Context(), id, callerID,
		validation.SanitizeString(req.Reason, 2000))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetPayment handles GET /v1/escrow/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetHistory handles GET /v1/escrow/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListByProject handles GET /v1/projects/:projectId/escrow
func (h *Handler) ListByProject(c *gin.Context) {
	projectID := c.Param("projectId")
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	payments, next, err := h.service.ListByProject(c.Request.Context(), projectID, limit, c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	if payments == nil {
		payments = []*EscrowPayment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"payments":   payments,
		"count":      len(payments),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// respondError translates service errors into the wire shape
// {"error": message, "code": kind}. Gateway vocabulary never leaks through;
// each kind carries a message the end user can act on.
func respondError(c *gin.Context, err error) {
	var stale *StaleTransitionError
	if errors.As(err, &stale) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "payment is " + string(stale.Found) + ", expected " + string(stale.Expected),
			"code":   "StaleTransition",
			"status": stale.Found,
		})
		return
	}

	switch {
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  "InvalidAmount",
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "payment not found",
			"code":  "NotFound",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error": "you are not a party to this payment",
			"code":  "Unauthorized",
		})
	case errors.Is(err, ErrPayeeRequired):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "a payee is required to release this payment",
			"code":  "InvalidRequest",
		})
	case errors.Is(err, ErrPayeeMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "payee does not match the one on record",
			"code":  "InvalidRequest",
		})
	case errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "client and payee cannot be the same user",
			"code":  "InvalidRequest",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error": "the payment status does not allow this operation",
			"code":  "StaleTransition",
		})
	case errors.Is(err, gateway.ErrPayeeUnregistered):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "the payee has not completed payment onboarding; they must register with the payment provider before funds can be sent",
			"code":  "PayeeUnregistered",
		})
	case errors.Is(err, gateway.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "the payment method was declined for insufficient funds",
			"code":  "InsufficientFunds",
		})
	case errors.Is(err, gateway.ErrReconciliationRequired):
		c.JSON(http.StatusAccepted, gin.H{
			"error": "the payment outcome is not confirmed yet; it will settle automatically once the gateway reports back",
			"code":  "ReconciliationRequired",
		})
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "the payment gateway is temporarily unavailable, try again shortly",
			"code":  "GatewayUnavailable",
		})
	case errors.Is(err, gateway.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "the payment gateway rejected the request",
			"code":  "InvalidRequest",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "Internal",
		})
	}
}
