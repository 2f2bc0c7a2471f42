// Package gateway talks to the external payment gateway that actually moves
// money: holds on the client's payment method, captures into the platform
// account, payouts to the payee, refunds back to the client.
//
// Every mutating call carries a deterministic idempotency key derived from
// the escrow id, so a retried request has at most one effect remotely. Calls
// whose outcome cannot be known (timeout after the request may have landed)
// return ErrReconciliationRequired; callers park the record instead of
// retrying blind.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPayeeUnregistered      = errors.New("gateway: payee not registered with the gateway")
	ErrInsufficientFunds      = errors.New("gateway: insufficient funds")
	ErrGatewayUnavailable     = errors.New("gateway: unavailable")
	ErrInvalidRequest         = errors.New("gateway: invalid request")
	ErrReconciliationRequired = errors.New("gateway: outcome unknown, reconciliation required")
	ErrInvalidSignature       = errors.New("gateway: invalid webhook signature")
	ErrOrderNotFound          = errors.New("gateway: order not found")
)

// HoldRequest asks the gateway to authorize funds on the client's payment
// method without collecting them.
type HoldRequest struct {
	IdempotencyKey string
	ClientID       string
	Amount         decimal.Decimal
	Currency       string
	Description    string
}

// Hold is a created authorization, identified by the gateway's order id.
type Hold struct {
	OrderID string
}

// Capture is a confirmed collection of held funds.
type Capture struct {
	CaptureID string
}

// PayoutRequest asks the gateway to transfer held funds to the payee's
// external account.
type PayoutRequest struct {
	IdempotencyKey string
	PayeeID        string
	OrderID        string // source order whose captured funds are paid out
	Amount         decimal.Decimal
	Currency       string
	Reference      string // escrow id, shows up on the payee's statement
}

// Payout is a confirmed transfer to the payee.
type Payout struct {
	PayoutID string
}

// RefundRequest asks the gateway to void an uncaptured hold (empty
// CaptureID) or refund a captured one.
type RefundRequest struct {
	IdempotencyKey string
	OrderID        string
	CaptureID      string
}

// Refund is a voided hold or a refunded capture.
type Refund struct {
	RefundID string
}

// Order states reported by LookupOrder.
const (
	OrderCreated    = "created"     // hold open, nothing captured
	OrderProcessing = "processing"  // capture in flight, outcome not final
	OrderCaptured   = "captured"    // funds collected
	OrderRefunded   = "refunded"    // hold voided or capture refunded
	OrderPayoutSent = "payout_sent" // payout left for the payee
)

// OrderStatus is the gateway's authoritative view of one order, used by
// reconciliation to settle ambiguous local state.
type OrderStatus struct {
	OrderID   string
	State     string
	CaptureID string
	RefundID  string
	PayoutID  string
	Amount    decimal.Decimal
	Currency  string
}

// Event types the engine processes. Anything else is logged and ignored.
const (
	EventCaptureCompleted = "capture.completed"
	EventCaptureDenied    = "capture.denied"
	EventCaptureRefunded  = "capture.refunded"
)

// WebhookEvent is a gateway notification normalized into the engine's
// vocabulary. TxID is the capture or refund id the event is about.
type WebhookEvent struct {
	EventID   string
	Type      string
	OrderID   string
	TxID      string
	Reason    string
	CreatedAt time.Time
}

// Client is the payment gateway adapter. Implementations normalize
// driver-specific errors into the package sentinels; callers never see
// gateway vocabulary.
type Client interface {
	// CreateHold authorizes funds. No local side effects; safe to retry
	// because the request carries an idempotency key.
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)

	// CaptureHold collects an authorized hold. Never retried on ambiguity:
	// an unknown outcome returns ErrReconciliationRequired.
	CaptureHold(ctx context.Context, orderID string) (*Capture, error)

	// Payout transfers held funds to the payee. The idempotency key lets the
	// gateway dedupe retries; exhausted ambiguity returns
	// ErrReconciliationRequired.
	Payout(ctx context.Context, req PayoutRequest) (*Payout, error)

	// RefundHold voids an uncaptured hold or refunds a captured one.
	RefundHold(ctx context.Context, req RefundRequest) (*Refund, error)

	// LookupOrder fetches the gateway's authoritative state for an order.
	LookupOrder(ctx context.Context, orderID string) (*OrderStatus, error)

	// ParseWebhook verifies an inbound notification's signature and
	// normalizes it. ErrInvalidSignature when verification fails,
	// ErrInvalidRequest when the payload is malformed.
	ParseWebhook(payload []byte, header http.Header) (*WebhookEvent, error)
}
