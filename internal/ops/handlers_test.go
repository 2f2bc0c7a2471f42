package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockEscrowService struct {
	payments     map[string]*escrow.EscrowPayment
	history      map[string][]*escrow.HistoryEntry
	reconcileErr error
	lastActor    string
}

func (m *mockEscrowService) Get(ctx context.Context, id string) (*escrow.EscrowPayment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return p, nil
}

func (m *mockEscrowService) History(ctx context.Context, id string) ([]*escrow.HistoryEntry, error) {
	return m.history[id], nil
}

func (m *mockEscrowService) Reconcile(ctx context.Context, id, actor string) (*escrow.EscrowPayment, error) {
	m.lastActor = actor
	if m.reconcileErr != nil {
		return nil, m.reconcileErr
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return p, nil
}

type mockSweeper struct {
	report *reconciliation.Report
	err    error
	calls  int
}

func (m *mockSweeper) RunAll(ctx context.Context) (*reconciliation.Report, error) {
	m.calls++
	return m.report, m.err
}

type mockPending struct {
	stuck      []*escrow.EscrowPayment
	parked     int
	listErr    error
	lastBefore time.Time
	lastLimit  int
}

func (m *mockPending) ListStuck(ctx context.Context, before time.Time, limit int) ([]*escrow.EscrowPayment, error) {
	m.lastBefore = before
	m.lastLimit = limit
	return m.stuck, m.listErr
}

func (m *mockPending) CountNeedingReconciliation(ctx context.Context) (int, error) {
	return m.parked, nil
}

func setupOpsRouter(h *Handler, adminID string) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if adminID != "" {
			c.Set("authUserID", adminID)
			c.Set("authRole", "admin")
		}
	})
	h.RegisterRoutes(v1)
	return r
}

func doOps(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func parkedPayment(id string) *escrow.EscrowPayment {
	return &escrow.EscrowPayment{
		ID:                  id,
		ProjectID:           "proj_a",
		ClientID:            "usr_client",
		Status:              escrow.StatusPending,
		NeedsReconciliation: true,
		CreatedAt:           time.Now().UTC().Add(-time.Hour),
	}
}

// ---------------------------------------------------------------------------
// ListPending
// ---------------------------------------------------------------------------

func TestOps_ListPending(t *testing.T) {
	pending := &mockPending{
		stuck:  []*escrow.EscrowPayment{parkedPayment("esc_1"), parkedPayment("esc_2")},
		parked: 3,
	}
	h := NewHandler().WithPendingLister(pending)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/reconciliation/pending")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payments            []map[string]interface{} `json:"payments"`
		Count               int                      `json:"count"`
		NeedsReconciliation int                      `json:"needsReconciliation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected count 2, got %d", resp.Count)
	}
	if resp.NeedsReconciliation != 3 {
		t.Errorf("Expected needsReconciliation 3, got %d", resp.NeedsReconciliation)
	}

	if pending.lastLimit != 100 {
		t.Errorf("Expected default limit 100, got %d", pending.lastLimit)
	}
	age := time.Since(pending.lastBefore)
	if age < 29*time.Minute || age > 31*time.Minute {
		t.Errorf("Expected default cutoff about 30m ago, got %v", age)
	}
}

func TestOps_ListPending_QueryParams(t *testing.T) {
	pending := &mockPending{}
	h := NewHandler().WithPendingLister(pending)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/reconciliation/pending?limit=5&pendingMinutes=5")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	if pending.lastLimit != 5 {
		t.Errorf("Expected limit 5, got %d", pending.lastLimit)
	}
	age := time.Since(pending.lastBefore)
	if age < 4*time.Minute || age > 6*time.Minute {
		t.Errorf("Expected cutoff about 5m ago, got %v", age)
	}
}

func TestOps_ListPending_Empty(t *testing.T) {
	h := NewHandler().WithPendingLister(&mockPending{})
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/reconciliation/pending")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"payments":[]`) {
		t.Errorf("Expected empty array, got %s", w.Body.String())
	}
}

func TestOps_ListPending_NotConfigured(t *testing.T) {
	r := setupOpsRouter(NewHandler(), "usr_admin")

	w := doOps(r, "GET", "/v1/ops/reconciliation/pending")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// RunSweep
// ---------------------------------------------------------------------------

func TestOps_RunSweep(t *testing.T) {
	sweeper := &mockSweeper{
		report: &reconciliation.Report{
			StartedAt:  time.Now().UTC(),
			Duration:   "120ms",
			Scanned:    4,
			Resolved:   3,
			StillStuck: 1,
		},
	}
	h := NewHandler().WithSweepRunner(sweeper)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/reconciliation/run")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sweeper.calls != 1 {
		t.Errorf("Expected 1 sweep call, got %d", sweeper.calls)
	}

	var resp struct {
		Report reconciliation.Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Report.Scanned != 4 || resp.Report.Resolved != 3 || resp.Report.StillStuck != 1 {
		t.Errorf("Report did not round-trip: %+v", resp.Report)
	}
}

func TestOps_RunSweep_Error(t *testing.T) {
	sweeper := &mockSweeper{err: fmt.Errorf("list stuck payments: connection refused")}
	h := NewHandler().WithSweepRunner(sweeper)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/reconciliation/run")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestOps_RunSweep_NotConfigured(t *testing.T) {
	r := setupOpsRouter(NewHandler(), "usr_admin")

	w := doOps(r, "POST", "/v1/ops/reconciliation/run")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// ReconcilePayment
// ---------------------------------------------------------------------------

func TestOps_ReconcilePayment(t *testing.T) {
	svc := &mockEscrowService{
		payments: map[string]*escrow.EscrowPayment{"esc_1": parkedPayment("esc_1")},
	}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/escrow/esc_1/reconcile")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.lastActor != "usr_admin" {
		t.Errorf("Expected the admin id on the history entry, got %q", svc.lastActor)
	}
	if !strings.Contains(w.Body.String(), `"esc_1"`) {
		t.Errorf("Expected payment in response, got %s", w.Body.String())
	}
}

func TestOps_ReconcilePayment_NotFound(t *testing.T) {
	svc := &mockEscrowService{payments: map[string]*escrow.EscrowPayment{}}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/escrow/esc_missing/reconcile")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestOps_ReconcilePayment_GatewayDown(t *testing.T) {
	svc := &mockEscrowService{
		payments:     map[string]*escrow.EscrowPayment{"esc_1": parkedPayment("esc_1")},
		reconcileErr: fmt.Errorf("lookup order: %w", gateway.ErrGatewayUnavailable),
	}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/escrow/esc_1/reconcile")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "GatewayUnavailable") {
		t.Errorf("Expected GatewayUnavailable code, got %s", w.Body.String())
	}
}

func TestOps_ReconcilePayment_OrderUnknownAtGateway(t *testing.T) {
	svc := &mockEscrowService{
		payments:     map[string]*escrow.EscrowPayment{"esc_1": parkedPayment("esc_1")},
		reconcileErr: fmt.Errorf("lookup order: %w", gateway.ErrOrderNotFound),
	}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "POST", "/v1/ops/escrow/esc_1/reconcile")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// GetPayment
// ---------------------------------------------------------------------------

func TestOps_GetPayment(t *testing.T) {
	svc := &mockEscrowService{
		payments: map[string]*escrow.EscrowPayment{"esc_1": parkedPayment("esc_1")},
		history: map[string][]*escrow.HistoryEntry{
			"esc_1": {
				{EscrowID: "esc_1", Action: escrow.ActionCreated, NewStatus: escrow.StatusPending},
				{EscrowID: "esc_1", Action: escrow.ActionReconciliationFlagged, NewStatus: escrow.StatusPending},
			},
		},
	}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/escrow/esc_1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payment map[string]interface{}   `json:"payment"`
		History []map[string]interface{} `json:"history"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Payment["id"] != "esc_1" {
		t.Errorf("Expected payment esc_1, got %v", resp.Payment["id"])
	}
	if len(resp.History) != 2 {
		t.Errorf("Expected 2 history entries, got %d", len(resp.History))
	}
}

func TestOps_GetPayment_NotFound(t *testing.T) {
	svc := &mockEscrowService{payments: map[string]*escrow.EscrowPayment{}}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/escrow/esc_missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestOps_GetPayment_EmptyHistory(t *testing.T) {
	svc := &mockEscrowService{
		payments: map[string]*escrow.EscrowPayment{"esc_1": parkedPayment("esc_1")},
	}
	h := NewHandler().WithEscrowService(svc)
	r := setupOpsRouter(h, "usr_admin")

	w := doOps(r, "GET", "/v1/ops/escrow/esc_1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"history":[]`) {
		t.Errorf("Expected empty history array, got %s", w.Body.String())
	}
}
