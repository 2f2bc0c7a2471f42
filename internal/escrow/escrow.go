// Package escrow holds client funds in trust until work is approved.
//
// Flow:
//  1. Client opens an escrow → gateway hold created, record pending
//  2. Client funds it → hold captured, record funded
//  3. Client approves the work → payout to the payee, record released
//  4. Client cancels before release → hold voided or capture refunded, record refunded
//  5. Either party disputes while funded → record disputed, funds stay held
//
// Ambiguous gateway outcomes never fail the record: it is parked with
// needs_reconciliation and settled later by a webhook or a reconciliation poll.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketplane/escrowd/internal/pagination"
)

var (
	ErrNotFound          = errors.New("escrow: payment not found")
	ErrUnauthorized      = errors.New("escrow: not authorized for this payment")
	ErrPayeeRequired     = errors.New("escrow: payee required to release")
	ErrPayeeMismatch     = errors.New("escrow: payee does not match the one on record")
	ErrSameParty         = errors.New("escrow: client and payee cannot be the same user")
	ErrStaleTransition   = errors.New("escrow: payment status changed since it was read")
	ErrInvalidTransition = errors.New("escrow: transition not allowed")
)

// Status represents the lifecycle state of an escrow payment.
type Status string

const (
	StatusPending  Status = "pending"  // Hold created, funds not yet captured
	StatusFunded   Status = "funded"   // Capture confirmed, platform holds the money
	StatusReleased Status = "released" // Payout sent to the payee
	StatusDisputed Status = "disputed" // Either party raised a dispute, funds stay held
	StatusRefunded Status = "refunded" // Hold voided or capture refunded to the client

	// StatusFailed labels a rejected attempt in API responses and history
	// notes. It is never stored as a record status.
	StatusFailed Status = "failed"
)

// History actions. Each accepted transition, and each rejected attempt worth
// auditing, lands in payment_history under one of these.
const (
	ActionCreated               = "created"
	ActionCaptured              = "captured"
	ActionCaptureFailed         = "capture_failed"
	ActionReleased              = "released"
	ActionPayoutFailed          = "payout_failed"
	ActionRefunded              = "refunded"
	ActionRefundFailed          = "refund_failed"
	ActionDisputed              = "disputed"
	ActionReconciled            = "reconciled"
	ActionReconciliationFlagged = "reconciliation_flagged"
)

// Well-known actors for history entries. User-driven transitions record the
// user id instead.
const (
	ActorWebhook    = "webhook"
	ActorReconciler = "reconciler"
	ActorSystem     = "system"
)

// EscrowPayment is the durable record of one escrowed payment.
type EscrowPayment struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	ClientID  string `json:"clientId"`
	PayeeID   string `json:"payeeId,omitempty"` // bound at release at the latest

	GrossAmount     decimal.Decimal `json:"grossAmount"`
	Currency        string          `json:"currency"`
	FeeRate         decimal.Decimal `json:"feeRate"`
	PlatformFee     decimal.Decimal `json:"platformFee"`
	PayeeReceivable decimal.Decimal `json:"payeeReceivable"`

	Status        Status `json:"status"`
	Description   string `json:"description,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`

	GatewayOrderID   string `json:"gatewayOrderId,omitempty"`
	GatewayCaptureID string `json:"gatewayCaptureId,omitempty"`
	GatewayPayoutID  string `json:"gatewayPayoutId,omitempty"`
	GatewayRefundID  string `json:"gatewayRefundId,omitempty"`

	NeedsReconciliation bool   `json:"needsReconciliation,omitempty"`
	ReconcileNote       string `json:"reconcileNote,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	DisputedAt *time.Time `json:"disputedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *EscrowPayment) IsTerminal() bool {
	switch p.Status {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// HistoryEntry is one immutable line of a payment's audit trail.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	EscrowID    string    `json:"escrowId"`
	Action      string    `json:"action"`
	PriorStatus Status    `json:"priorStatus"`
	NewStatus   Status    `json:"newStatus"`
	Actor       string    `json:"actor"`
	GatewayTxID string    `json:"gatewayTxId,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Transition describes one status change to apply atomically: the status
// update, its lifecycle timestamp, the gateway id it carries, and the
// history entry, all in a single store transaction.
type Transition struct {
	EscrowID    string
	From        Status // expected current status
	To          Status
	Action      string
	Actor       string
	GatewayTxID string // capture/payout/refund id, recorded on the row and the history entry
	Note        string
}

// StatusMismatchError is returned by Store.ApplyTransition when the stored
// status does not match the transition's expected From. The Machine decides
// whether that means idempotent success or a stale conflict.
type StatusMismatchError struct {
	EscrowID string
	Expected Status
	Found    Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("escrow: payment %s is %s, expected %s", e.EscrowID, e.Found, e.Expected)
}

// StaleTransitionError reports a genuine transition conflict: the record
// moved to a status that is neither the expected starting point nor the
// requested target. It carries the observed status for the caller.
type StaleTransitionError struct {
	EscrowID string
	Expected Status
	Found    Status
	Target   Status
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("escrow: payment %s moved to %s while a %s → %s transition was in flight",
		e.EscrowID, e.Found, e.Expected, e.Target)
}

func (e *StaleTransitionError) Is(target error) bool { return target == ErrStaleTransition }

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
// Invalid cursors are ignored and the list starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists escrow payments and their audit trail.
//
// Create writes the record and its "created" history entry atomically.
// ApplyTransition holds a row-level lock for the compare-and-set; on a status
// mismatch it returns *StatusMismatchError and changes nothing.
// BindPayee sets the payee when the record has none; it fails with
// ErrPayeeMismatch when a different payee is already bound.
// SetReconciliation parks or clears the needs-reconciliation flag, appending
// a history entry when the flag actually changes; same-value calls are no-ops.
// ListStuck returns payments flagged for reconciliation plus payments still
// pending from before the given time.
type Store interface {
	Create(ctx context.Context, p *EscrowPayment) error
	Get(ctx context.Context, id string) (*EscrowPayment, error)
	GetByGatewayOrderID(ctx context.Context, orderID string) (*EscrowPayment, error)
	ListByProject(ctx context.Context, projectID string, limit int, opts ...ListOption) ([]*EscrowPayment, error)
	ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*EscrowPayment, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountNeedingReconciliation(ctx context.Context) (int, error)
	ApplyTransition(ctx context.Context, t Transition) (*EscrowPayment, error)
	BindPayee(ctx context.Context, id, payeeID string) error
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, escrowID string) ([]*HistoryEntry, error)
	SetReconciliation(ctx context.Context, id string, needed bool, note, actor string) error
}
