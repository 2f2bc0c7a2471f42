package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/marketplane/escrowd/internal/gateway"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *mockGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, gw := newTestService(t)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Simulate auth middleware by setting authUserID
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		// Use X-User-ID header as a test stand-in for auth middleware
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set("authUserID", uid)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, svc, gw
}

// ---------------------------------------------------------------------------
// Create and get
// ---------------------------------------------------------------------------

func TestHandler_CreateAndGetPayment(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateRequest{
		ProjectID:   "proj_1",
		Amount:      "100.00",
		Currency:    "USD",
		Description: "milestone 1",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Payment struct {
			ID              string `json:"id"`
			Status          string `json:"status"`
			ClientID        string `json:"clientId"`
			PlatformFee     string `json:"platformFee"`
			PayeeReceivable string `json:"payeeReceivable"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &createResp)

	if createResp.Payment.Status != "pending" {
		t.Errorf("Expected status pending, got %s", createResp.Payment.Status)
	}
	if createResp.Payment.ClientID != "usr_client" {
		t.Errorf("Expected clientId usr_client, got %s", createResp.Payment.ClientID)
	}
	if fee := decimal.RequireFromString(createResp.Payment.PlatformFee); !fee.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("Expected fee 5.00, got %s", createResp.Payment.PlatformFee)
	}
	if recv := decimal.RequireFromString(createResp.Payment.PayeeReceivable); !recv.Equal(decimal.RequireFromString("95.00")) {
		t.Errorf("Expected receivable 95.00, got %s", createResp.Payment.PayeeReceivable)
	}

	// Get payment by ID (public, no auth header)
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/escrow/"+createResp.Payment.ID, nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var getResp struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &getResp)

	if getResp.Payment.ID != createResp.Payment.ID {
		t.Errorf("Expected ID %s, got %s", createResp.Payment.ID, getResp.Payment.ID)
	}
}

func TestHandler_CreateResponseStructure(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateRequest{
		ProjectID:   "proj_9",
		PayeeID:     "usr_provider",
		Amount:      "250.00",
		Currency:    "EUR",
		Description: "design sprint",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			ID             string `json:"id"`
			ProjectID      string `json:"projectId"`
			ClientID       string `json:"clientId"`
			PayeeID        string `json:"payeeId"`
			GrossAmount    string `json:"grossAmount"`
			Currency       string `json:"currency"`
			FeeRate        string `json:"feeRate"`
			Status         string `json:"status"`
			Description    string `json:"description"`
			GatewayOrderID string `json:"gatewayOrderId"`
			CreatedAt      string `json:"createdAt"`
			UpdatedAt      string `json:"updatedAt"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response JSON: %v", err)
	}

	if resp.Payment.ID == "" {
		t.Error("Expected non-empty payment ID")
	}
	if resp.Payment.ProjectID != "proj_9" {
		t.Errorf("Expected projectId proj_9, got %s", resp.Payment.ProjectID)
	}
	if resp.Payment.ClientID != "usr_client" {
		t.Errorf("Expected clientId usr_client, got %s", resp.Payment.ClientID)
	}
	if resp.Payment.PayeeID != "usr_provider" {
		t.Errorf("Expected payeeId usr_provider, got %s", resp.Payment.PayeeID)
	}
	if gross := decimal.RequireFromString(resp.Payment.GrossAmount); !gross.Equal(decimal.RequireFromString("250.00")) {
		t.Errorf("Expected grossAmount 250.00, got %s", resp.Payment.GrossAmount)
	}
	if resp.Payment.Currency != "EUR" {
		t.Errorf("Expected currency EUR, got %s", resp.Payment.Currency)
	}
	if rate := decimal.RequireFromString(resp.Payment.FeeRate); !rate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected feeRate 0.05, got %s", resp.Payment.FeeRate)
	}
	if resp.Payment.Description != "design sprint" {
		t.Errorf("Expected description preserved, got %s", resp.Payment.Description)
	}
	if resp.Payment.GatewayOrderID == "" {
		t.Error("Expected non-empty gatewayOrderId")
	}
	if resp.Payment.CreatedAt == "" {
		t.Error("Expected non-empty createdAt")
	}
}

func TestHandler_GetPaymentNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrow/esc_nonexistent", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_CreateMissingFields(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// Missing projectId and currency
	body, _ := json.Marshal(map[string]string{"amount": "1.00"})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing fields, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code    string `json:"code"`
		Details []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
		} `json:"details"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Code != "InvalidRequest" {
		t.Errorf("Expected code InvalidRequest, got %s", resp.Code)
	}
	if len(resp.Details) == 0 {
		t.Fatal("Expected validation details")
	}
	fields := make(map[string]bool)
	for _, d := range resp.Details {
		fields[d.Field] = true
	}
	if !fields["projectId"] || !fields["currency"] {
		t.Errorf("Expected details for projectId and currency, got %v", fields)
	}
}

func TestHandler_CreateMalformedJSON(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateEmptyBody(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest("POST", "/v1/escrow", nil)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty body, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateAmountPrecisionRejected(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// Three decimal places pass the format check but exceed USD minor units
	body, _ := json.Marshal(CreateRequest{
		ProjectID: "proj_1",
		Amount:    "1.005",
		Currency:  "USD",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "InvalidAmount" {
		t.Errorf("Expected code InvalidAmount, got %s", resp.Code)
	}
}

func TestHandler_CreateSelfPaymentRejected(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateRequest{
		ProjectID: "proj_1",
		PayeeID:   "usr_client",
		Amount:    "10.00",
		Currency:  "USD",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "InvalidRequest" {
		t.Errorf("Expected code InvalidRequest, got %s", resp.Code)
	}
}

func TestHandler_CreateGatewayDown(t *testing.T) {
	router, _, gw := setupTestRouter(t)
	gw.createErr = gateway.ErrGatewayUnavailable

	body, _ := json.Marshal(CreateRequest{
		ProjectID: "proj_1",
		Amount:    "10.00",
		Currency:  "USD",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "GatewayUnavailable" {
		t.Errorf("Expected code GatewayUnavailable, got %s", resp.Code)
	}
}

func TestHandler_CreateLowercaseCurrency(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	body, _ := json.Marshal(CreateRequest{
		ProjectID: "proj_1",
		Amount:    "10.00",
		Currency:  "usd",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Currency string `json:"currency"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payment.Currency != "USD" {
		t.Errorf("Expected currency normalized to USD, got %s", resp.Payment.Currency)
	}
}

// ---------------------------------------------------------------------------
// Fund
// ---------------------------------------------------------------------------

func TestHandler_FundPayment(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status           string `json:"status"`
			GatewayCaptureID string `json:"gatewayCaptureId"`
			FundedAt         string `json:"fundedAt"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Payment.Status != "funded" {
		t.Errorf("Expected status funded, got %s", resp.Payment.Status)
	}
	if resp.Payment.GatewayCaptureID == "" {
		t.Error("Expected non-empty gatewayCaptureId")
	}
	if resp.Payment.FundedAt == "" {
		t.Error("Expected non-empty fundedAt")
	}
}

func TestHandler_FundWithNoAuth(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	// No X-User-ID header -> empty caller
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without auth, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_FundAsOutsider(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_stranger")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "Unauthorized" {
		t.Errorf("Expected code Unauthorized, got %s", resp.Code)
	}
}

func TestHandler_FundNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest("POST", "/v1/escrow/esc_ghost/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_FundAfterRefundConflict(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Refund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code   string `json:"code"`
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "StaleTransition" {
		t.Errorf("Expected code StaleTransition, got %s", resp.Code)
	}
	if resp.Status != "refunded" {
		t.Errorf("Expected observed status refunded, got %s", resp.Status)
	}
}

func TestHandler_FundDeclined(t *testing.T) {
	router, svc, gw := setupTestRouter(t)
	p := createPayment(t, svc)
	gw.captureErr = gateway.ErrInsufficientFunds

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "InsufficientFunds" {
		t.Errorf("Expected code InsufficientFunds, got %s", resp.Code)
	}

	// A declined capture leaves the payment retryable
	got, err := svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Expected payment to stay pending, got %s", got.Status)
	}
}

func TestHandler_FundUnknownOutcome(t *testing.T) {
	router, svc, gw := setupTestRouter(t)
	p := createPayment(t, svc)
	gw.captureErr = gateway.ErrReconciliationRequired

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "ReconciliationRequired" {
		t.Errorf("Expected code ReconciliationRequired, got %s", resp.Code)
	}

	// Retry while parked is refused without touching the gateway
	gw.captureErr = nil
	req = httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 while parked, got %d: %s", w.Code, w.Body.String())
	}
	if gw.captureCount() != 1 {
		t.Errorf("Expected 1 capture attempt, got %d", gw.captureCount())
	}
}

// ---------------------------------------------------------------------------
// Release
// ---------------------------------------------------------------------------

func TestHandler_ReleasePayment(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	body, _ := json.Marshal(ReleaseRequest{PayeeID: "usr_provider"})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status          string `json:"status"`
			PayeeID         string `json:"payeeId"`
			GatewayPayoutID string `json:"gatewayPayoutId"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Payment.Status != "released" {
		t.Errorf("Expected status released, got %s", resp.Payment.Status)
	}
	if resp.Payment.PayeeID != "usr_provider" {
		t.Errorf("Expected payeeId usr_provider, got %s", resp.Payment.PayeeID)
	}
	if resp.Payment.GatewayPayoutID == "" {
		t.Error("Expected non-empty gatewayPayoutId")
	}
}

func TestHandler_ReleaseEmptyBodyUsesBoundPayee(t *testing.T) {
	router, svc, _ := setupTestRouter(t)

	p, err := svc.Create(context.Background(), CreateParams{
		ProjectID: "proj_1",
		ClientID:  "usr_client",
		PayeeID:   "usr_provider",
		Amount:    "100.00",
		Currency:  "USD",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	// No body at all; the payee bound at create is used
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for empty body, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status  string `json:"status"`
			PayeeID string `json:"payeeId"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Payment.Status != "released" {
		t.Errorf("Expected status released, got %s", resp.Payment.Status)
	}
	if resp.Payment.PayeeID != "usr_provider" {
		t.Errorf("Expected payeeId usr_provider, got %s", resp.Payment.PayeeID)
	}
}

func TestHandler_ReleaseRequiresPayee(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 when no payee is bound, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "InvalidRequest" {
		t.Errorf("Expected code InvalidRequest, got %s", resp.Code)
	}
}

func TestHandler_ReleaseBeforeFunding(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	body, _ := json.Marshal(ReleaseRequest{PayeeID: "usr_provider"})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "pending" {
		t.Errorf("Expected observed status pending, got %s", resp.Status)
	}
}

func TestHandler_ReleaseIdempotentRepeat(t *testing.T) {
	router, svc, gw := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	body, _ := json.Marshal(ReleaseRequest{PayeeID: "usr_provider"})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "usr_client")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Release %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	if gw.payoutCount() != 1 {
		t.Errorf("Expected exactly 1 payout, got %d", gw.payoutCount())
	}
}

func TestHandler_ReleasePayeeUnregistered(t *testing.T) {
	router, svc, gw := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	gw.payoutErr = gateway.ErrPayeeUnregistered

	body, _ := json.Marshal(ReleaseRequest{PayeeID: "usr_provider"})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "PayeeUnregistered" {
		t.Errorf("Expected code PayeeUnregistered, got %s", resp.Code)
	}

	got, err := svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFunded {
		t.Errorf("Expected payment to stay funded, got %s", got.Status)
	}
}

func TestHandler_ReleaseMalformedJSON(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/release", bytes.NewReader([]byte("bad")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Refund
// ---------------------------------------------------------------------------

func TestHandler_RefundPending(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/refund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status          string `json:"status"`
			GatewayRefundID string `json:"gatewayRefundId"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Payment.Status != "refunded" {
		t.Errorf("Expected status refunded, got %s", resp.Payment.Status)
	}
	if resp.Payment.GatewayRefundID == "" {
		t.Error("Expected non-empty gatewayRefundId")
	}
}

func TestHandler_RefundFunded(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/refund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payment.Status != "refunded" {
		t.Errorf("Expected status refunded, got %s", resp.Payment.Status)
	}
}

func TestHandler_RefundAsOutsider(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/refund", nil)
	req.Header.Set("X-User-ID", "usr_stranger")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_RefundAfterRelease(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := svc.Release(context.Background(), p.ID, "usr_provider", "usr_client"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/refund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "released" {
		t.Errorf("Expected observed status released, got %s", resp.Status)
	}
}

// ---------------------------------------------------------------------------
// Dispute
// ---------------------------------------------------------------------------

func TestHandler_DisputePayment(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	body, _ := json.Marshal(DisputeRequest{Reason: "deliverable incomplete"})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/dispute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			Status        string `json:"status"`
			DisputeReason string `json:"disputeReason"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Payment.Status != "disputed" {
		t.Errorf("Expected status disputed, got %s", resp.Payment.Status)
	}
	if resp.Payment.DisputeReason != "deliverable incomplete" {
		t.Errorf("Expected reason 'deliverable incomplete', got %s", resp.Payment.DisputeReason)
	}
}

func TestHandler_DisputeNoReason(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	// Empty body (no reason)
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/dispute", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing reason, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DisputeMalformedJSON(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/dispute", bytes.NewReader([]byte("bad")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed dispute body, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DisputeBeforeFunding(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)

	body, _ := json.Marshal(DisputeRequest{Reason: "too early"})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/dispute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string `json:"status"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "pending" {
		t.Errorf("Expected observed status pending, got %s", resp.Status)
	}
}

func TestHandler_DisputeUnicodeReason(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	reason := "Deliverable was ☃ garbage éèê with 中文 characters"
	body, _ := json.Marshal(DisputeRequest{Reason: reason})
	req := httptest.NewRequest("POST", "/v1/escrow/"+p.ID+"/dispute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment struct {
			DisputeReason string `json:"disputeReason"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payment.DisputeReason != reason {
		t.Errorf("Expected unicode reason preserved, got %s", resp.Payment.DisputeReason)
	}
}

// ---------------------------------------------------------------------------
// History and listing
// ---------------------------------------------------------------------------

func TestHandler_HistoryAfterLifecycle(t *testing.T) {
	router, svc, _ := setupTestRouter(t)
	p := createPayment(t, svc)
	if _, err := svc.Fund(context.Background(), p.ID, "usr_client"); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrow/"+p.ID+"/history", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		History []struct {
			Action      string `json:"action"`
			PriorStatus string `json:"priorStatus"`
			NewStatus   string `json:"newStatus"`
			Actor       string `json:"actor"`
		} `json:"history"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if len(resp.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(resp.History))
	}
	if resp.History[0].Action != "created" {
		t.Errorf("Expected first action created, got %s", resp.History[0].Action)
	}
	if resp.History[1].Action != "captured" {
		t.Errorf("Expected second action captured, got %s", resp.History[1].Action)
	}
	if resp.History[1].PriorStatus != "pending" || resp.History[1].NewStatus != "funded" {
		t.Errorf("Expected pending->funded, got %s->%s",
			resp.History[1].PriorStatus, resp.History[1].NewStatus)
	}
}

func TestHandler_HistoryNotFound(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrow/esc_ghost/history", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ListByProject(t *testing.T) {
	router, svc, _ := setupTestRouter(t)

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(context.Background(), CreateParams{
			ProjectID: "proj_a",
			ClientID:  "usr_client",
			Amount:    "10.00",
			Currency:  "USD",
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := svc.Create(context.Background(), CreateParams{
		ProjectID: "proj_b",
		ClientID:  "usr_client",
		Amount:    "10.00",
		Currency:  "USD",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/proj_a/escrow", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payments []json.RawMessage `json:"payments"`
		Count    int               `json:"count"`
		HasMore  bool              `json:"hasMore"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Count != 3 {
		t.Errorf("Expected 3 payments for proj_a, got %d", resp.Count)
	}
	if resp.HasMore {
		t.Error("Expected hasMore false")
	}
}

func TestHandler_ListPagination(t *testing.T) {
	router, svc, _ := setupTestRouter(t)

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(context.Background(), CreateParams{
			ProjectID: "proj_a",
			ClientID:  "usr_client",
			Amount:    "10.00",
			Currency:  "USD",
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/proj_a/escrow?limit=2", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var page1 struct {
		Count      int    `json:"count"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	json.Unmarshal(w.Body.Bytes(), &page1)

	if page1.Count != 2 {
		t.Fatalf("Expected 2 payments on first page, got %d", page1.Count)
	}
	if !page1.HasMore || page1.NextCursor == "" {
		t.Fatalf("Expected hasMore with cursor, got hasMore=%v cursor=%q", page1.HasMore, page1.NextCursor)
	}

	// Follow the cursor
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/projects/proj_a/escrow?limit=2&cursor="+page1.NextCursor, nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for second page, got %d: %s", w.Code, w.Body.String())
	}

	var page2 struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &page2)
	if page2.Count != 2 {
		t.Errorf("Expected 2 payments on second page, got %d", page2.Count)
	}
}

func TestHandler_ListEmptyProject(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/projects/proj_nobody/escrow", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for empty list, got %d", w.Code)
	}

	var resp struct {
		Payments []json.RawMessage `json:"payments"`
		Count    int               `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Count != 0 {
		t.Errorf("Expected 0 payments, got %d", resp.Count)
	}
	if resp.Payments == nil {
		t.Error("Expected payments to be an empty array, not null")
	}
}

func TestHandler_ListIgnoresBadLimit(t *testing.T) {
	router, svc, _ := setupTestRouter(t)

	if _, err := svc.Create(context.Background(), CreateParams{
		ProjectID: "proj_a",
		ClientID:  "usr_client",
		Amount:    "10.00",
		Currency:  "USD",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Invalid limits fall back to the default
	for _, q := range []string{"limit=abc", "limit=-5", "limit=0"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/v1/projects/proj_a/escrow?"+q, nil)
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", q, w.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("%s: expected 1 payment with default limit, got %d", q, resp.Count)
		}
	}
}

func TestHandler_ErrorResponseShape(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/escrow/esc_fake", nil)
	router.ServeHTTP(w, req)

	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("Failed to parse error JSON: %v", err)
	}
	if errResp.Error == "" {
		t.Error("Expected non-empty error message")
	}
	if errResp.Code == "" {
		t.Error("Expected non-empty error code")
	}
}

// ---------------------------------------------------------------------------
// Full lifecycle through HTTP
// ---------------------------------------------------------------------------

func TestHandler_FullLifecycleThroughAPI(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	// 1. Create
	body, _ := json.Marshal(CreateRequest{
		ProjectID:   "proj_1",
		Amount:      "100.00",
		Currency:    "USD",
		Description: "milestone 1",
	})
	req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Create: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Payment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &createResp)
	if createResp.Payment.Status != "pending" {
		t.Fatalf("Create: expected pending, got %s", createResp.Payment.Status)
	}
	paymentID := createResp.Payment.ID

	// 2. Fund (client)
	req = httptest.NewRequest("POST", "/v1/escrow/"+paymentID+"/fund", nil)
	req.Header.Set("X-User-ID", "usr_client")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var fundResp struct {
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &fundResp)
	if fundResp.Payment.Status != "funded" {
		t.Fatalf("Fund: expected funded, got %s", fundResp.Payment.Status)
	}

	// 3. Release to the provider
	body, _ = json.Marshal(ReleaseRequest{PayeeID: "usr_provider"})
	req = httptest.NewRequest("POST", "/v1/escrow/"+paymentID+"/release", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "usr_client")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var releaseResp struct {
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &releaseResp)
	if releaseResp.Payment.Status != "released" {
		t.Fatalf("Release: expected released, got %s", releaseResp.Payment.Status)
	}

	// 4. Verify via GET
	req = httptest.NewRequest("GET", "/v1/escrow/"+paymentID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Get: expected 200, got %d", w.Code)
	}

	var getResp struct {
		Payment struct {
			Status string `json:"status"`
		} `json:"payment"`
	}
	json.Unmarshal(w.Body.Bytes(), &getResp)
	if getResp.Payment.Status != "released" {
		t.Errorf("Get: expected released, got %s", getResp.Payment.Status)
	}

	// 5. History shows the whole arc
	req = httptest.NewRequest("GET", "/v1/escrow/"+paymentID+"/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var histResp struct {
		History []struct {
			Action string `json:"action"`
		} `json:"history"`
	}
	json.Unmarshal(w.Body.Bytes(), &histResp)

	if len(histResp.History) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(histResp.History))
	}
	want := []string{"created", "captured", "released"}
	for i, entry := range histResp.History {
		if entry.Action != want[i] {
			t.Errorf("History[%d]: expected %s, got %s", i, want[i], entry.Action)
		}
	}
}

// Ensure the mock gateway satisfies the interface (compile-time check)
var _ gateway.Client = (*mockGateway)(nil)
