package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/idgen"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/metrics"
	"github.com/marketplane/escrowd/internal/money"
	"github.com/marketplane/escrowd/internal/pagination"
	"github.com/marketplane/escrowd/internal/syncutil"
	"github.com/marketplane/escrowd/internal/traces"
)

// Notification event names emitted on lifecycle changes.
const (
	EventCreated  = "escrow.created"
	EventFunded   = "escrow.funded"
	EventReleased = "escrow.released"
	EventRefunded = "escrow.refunded"
	EventDisputed = "escrow.disputed"
)

// Notifier delivers lifecycle events to external subscribers. Implementations
// must not block the caller and must never fail the payment operation.
type Notifier interface {
	PaymentEvent(ctx context.Context, event string, p *EscrowPayment)
}

// Feed pushes lifecycle events to connected realtime clients.
type Feed interface {
	BroadcastPayment(event string, p *EscrowPayment)
}

// Idempotency keys sent to the gateway, derived from the escrow id. One key
// per money movement, so a retried call has at most one remote effect.
func holdKey(id string) string   { return "escrow_" + id + "_hold" }
func payoutKey(id string) string { return "escrow_" + id }
func refundKey(id string) string { return "escrow_" + id + "_refund" }

// Service is the escrow façade: validation, fee computation, gateway calls,
// and the per-payment critical section all live here. Status changes go
// through the Machine without exception.
//
// Mutating operations serialize on the payment id: lock, re-read, act. The
// store's row-level transaction is the second fence, so a writer that
// somehow bypasses the lock still cannot corrupt the lifecycle.
type Service struct {
	store    Store
	machine  *Machine
	gateway  gateway.Client
	fees     *money.FeeCalculator
	locks    *syncutil.KeyedMutex
	notifier Notifier
	feed     Feed
}

// NewService creates the escrow service.
func NewService(store Store, gw gateway.Client, fees *money.FeeCalculator) *Service {
	return &Service{
		store:   store,
		machine: NewMachine(store),
		gateway: gw,
		fees:    fees,
		locks:   syncutil.NewKeyedMutex(),
	}
}

// WithNotifier attaches an external notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithFeed attaches a realtime broadcast feed.
func (s *Service) WithFeed(f Feed) *Service {
	s.feed = f
	return s
}

// CreateParams are the caller-supplied fields for a new escrow payment.
// Amount is the gross amount as a decimal string; the fee split is computed
// once at creation and captured on the record.
type CreateParams struct {
	ProjectID   string
	ClientID    string
	PayeeID     string // optional, may stay empty until release
	Amount      string
	Currency    string
	Description string
}

// Create validates the request, places a hold on the client's payment method
// and persists the pending record. If the record cannot be written after the
// remote hold was created, the hold is voided best-effort and the store
// error surfaced.
func (s *Service) Create(ctx context.Context, params CreateParams) (*EscrowPayment, error) {
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	gross, err := money.ParseAmount(params.Amount, currency)
	if err != nil {
		return nil, err
	}
	split, err := s.fees.Split(gross, currency)
	if err != nil {
		return nil, err
	}
	if params.PayeeID != "" && params.PayeeID == params.ClientID {
		return nil, ErrSameParty
	}

	id := idgen.WithPrefix("esc_")
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.PaymentID(id), traces.ProjectID(params.ProjectID), traces.Amount(params.Amount))
	defer span.End()

	hold, err := s.gateway.CreateHold(ctx, gateway.HoldRequest{
		IdempotencyKey: holdKey(id),
		ClientID:       params.ClientID,
		Amount:         gross,
		Currency:       currency,
		Description:    params.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("create hold: %w", err)
	}

	now := time.Now().UTC()
	p := &EscrowPayment{
		ID:              id,
		ProjectID:       params.ProjectID,
		ClientID:        params.ClientID,
		PayeeID:         params.PayeeID,
		GrossAmount:     gross,
		Currency:        currency,
		FeeRate:         s.fees.Rate(),
		PlatformFee:     split.Fee,
		PayeeReceivable: split.PayeeReceivable,
		Status:          StatusPending,
		Description:     params.Description,
		GatewayOrderID:  hold.OrderID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		s.voidOrphanedHold(ctx, id, hold.OrderID)
		return nil, err
	}

	metrics.PaymentTransitionsTotal.WithLabelValues(string(StatusPending), actorLabel(params.ClientID)).Inc()
	s.emit(ctx, EventCreated, p)
	return p, nil
}

// voidOrphanedHold releases a gateway hold whose local record could not be
// written. When the void itself fails the money stays held with no record,
// which only an operator can untangle, so the log entry carries everything
// needed to find it.
func (s *Service) voidOrphanedHold(ctx context.Context, id, orderID string) {
	_, err := s.gateway.RefundHold(ctx, gateway.RefundRequest{
		IdempotencyKey: refundKey(id),
		OrderID:        orderID,
	})
	if err != nil {
		logging.L(ctx).Error("orphaned gateway hold: record insert failed and compensating void failed",
			"payment_id", id, "order_id", orderID, "error", err)
	}
}

// Fund captures the client's held funds into the platform account. Only the
// owning client may fund; a payment already funded returns idempotently.
func (s *Service) Fund(ctx context.Context, id, callerID string) (*EscrowPayment, error) {
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if p.Status == StatusFunded {
		return p, nil
	}
	if p.Status != StatusPending {
		return nil, &StaleTransitionError{EscrowID: id, Expected: StatusPending, Found: p.Status, Target: StatusFunded}
	}
	if p.NeedsReconciliation {
		return nil, gateway.ErrReconciliationRequired
	}

	capture, err := s.gateway.CaptureHold(ctx, p.GatewayOrderID)
	if err != nil {
		return nil, s.captureFailed(ctx, p, callerID, err)
	}

	return s.apply(ctx, Transition{
		EscrowID:    id,
		From:        StatusPending,
		To:          StatusFunded,
		Action:      ActionCaptured,
		Actor:       callerID,
		GatewayTxID: capture.CaptureID,
	})
}

// Release binds the payee if not yet bound, pays out the receivable and
// closes the escrow. Owner-only. The binding is written before the payout
// call so an ambiguous payout outcome cannot lose it.
func (s *Service) Release(ctx context.Context, id, payeeID, callerID string) (*EscrowPayment, error) {
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if p.Status == StatusReleased {
		return p, nil
	}
	if p.Status != StatusFunded {
		return nil, &StaleTransitionError{EscrowID: id, Expected: StatusFunded, Found: p.Status, Target: StatusReleased}
	}
	if p.NeedsReconciliation {
		return nil, gateway.ErrReconciliationRequired
	}

	payee := p.PayeeID
	switch {
	case payee == "" && payeeID == "":
		return nil, ErrPayeeRequired
	case payee == "":
		payee = payeeID
	case payeeID != "" && payeeID != payee:
		return nil, ErrPayeeMismatch
	}
	if payee == p.ClientID {
		return nil, ErrSameParty
	}
	if p.PayeeID == "" {
		if err := s.store.BindPayee(ctx, id, payee); err != nil {
			return nil, err
		}
		p.PayeeID = payee
	}

	payout, err := s.gateway.Payout(ctx, gateway.PayoutRequest{
		IdempotencyKey: payoutKey(id),
		PayeeID:        payee,
		OrderID:        p.GatewayOrderID,
		Amount:         p.PayeeReceivable,
		Currency:       p.Currency,
		Reference:      id,
	})
	if err != nil {
		return nil, s.payoutFailed(ctx, p, callerID, err)
	}

	return s.apply(ctx, Transition{
		EscrowID:    id,
		From:        StatusFunded,
		To:          StatusReleased,
		Action:      ActionReleased,
		Actor:       callerID,
		GatewayTxID: payout.PayoutID,
	})
}

// Refund returns the client's money: a void of the uncollected hold while
// pending, a refund of the capture while funded. Owner-only.
func (s *Service) Refund(ctx context.Context, id, callerID string) (*EscrowPayment, error) {
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if p.Status == StatusRefunded {
		return p, nil
	}
	if p.Status != StatusPending && p.Status != StatusFunded {
		return nil, &StaleTransitionError{EscrowID: id, Expected: StatusFunded, Found: p.Status, Target: StatusRefunded}
	}
	if p.NeedsReconciliation {
		return nil, gateway.ErrReconciliationRequired
	}

	req := gateway.RefundRequest{
		IdempotencyKey: refundKey(id),
		OrderID:        p.GatewayOrderID,
	}
	if p.Status == StatusFunded {
		req.CaptureID = p.GatewayCaptureID
	}
	refund, err := s.gateway.RefundHold(ctx, req)
	if err != nil {
		return nil, s.refundFailed(ctx, p, callerID, err)
	}

	return s.apply(ctx, Transition{
		EscrowID:    id,
		From:        p.Status,
		To:          StatusRefunded,
		Action:      ActionRefunded,
		Actor:       callerID,
		GatewayTxID: refund.RefundID,
	})
}

// Dispute freezes a funded payment while the parties disagree. Either side
// of the payment may raise it; resolution happens outside the engine.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*EscrowPayment, error) {
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != p.ClientID && (p.PayeeID == "" || callerID != p.PayeeID) {
		return nil, ErrUnauthorized
	}
	if p.Status == StatusDisputed {
		return p, nil
	}
	if p.Status != StatusFunded {
		return nil, &StaleTransitionError{EscrowID: id, Expected: StatusFunded, Found: p.Status, Target: StatusDisputed}
	}
	if p.NeedsReconciliation {
		return nil, gateway.ErrReconciliationRequired
	}

	return s.apply(ctx, Transition{
		EscrowID: id,
		From:     StatusFunded,
		To:       StatusDisputed,
		Action:   ActionDisputed,
		Actor:    callerID,
		Note:     reason,
	})
}

// Get returns one payment.
func (s *Service) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	return s.store.Get(ctx, id)
}

// GetByGatewayOrderID resolves a payment by the gateway's order id.
func (s *Service) GetByGatewayOrderID(ctx context.Context, orderID string) (*EscrowPayment, error) {
	return s.store.GetByGatewayOrderID(ctx, orderID)
}

// History returns the payment's audit trail, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]*HistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// ListByProject returns the project's payments newest first, with an opaque
// cursor for the next page. An empty cursor means there is no next page.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int, cursor string) ([]*EscrowPayment, string, error) {
	items, err := s.store.ListByProject(ctx, projectID, limit+1, WithCursor(cursor))
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(p *EscrowPayment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, nil
}

// Settle applies an externally confirmed transition (webhook delivery or a
// reconciliation verdict) under the payment's critical section. It reports
// whether the transition was applied; losing a race to the same target is an
// idempotent no-op with applied=false.
func (s *Service) Settle(ctx context.Context, t Transition) (*EscrowPayment, bool, error) {
	ctx = logging.WithPaymentID(ctx, t.EscrowID)
	unlock, err := s.locks.LockContext(ctx, t.EscrowID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return s.settleLocked(ctx, t)
}

func (s *Service) settleLocked(ctx context.Context, t Transition) (*EscrowPayment, bool, error) {
	p, applied, err := s.machine.AttemptTransition(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.emit(ctx, eventForStatus(t.To), p)
	}
	return p, applied, nil
}

// RecordFailure appends a failure entry for a payment without changing its
// status. Used for externally reported denials.
func (s *Service) RecordFailure(ctx context.Context, id, action, actor, note string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.machine.RecordFailure(ctx, p, action, actor, note)
}

// SetReconciliation parks or clears a payment under its critical section.
func (s *Service) SetReconciliation(ctx context.Context, id string, needed bool, note, actor string) error {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.SetReconciliation(ctx, id, needed, note, actor)
}

// Reconcile queries the gateway for the authoritative order state and
// settles the local record against it. Safe to call on any payment; settled
// records that are not parked return unchanged.
//
// A remote state the local status can legally catch up to is applied; a
// remote state confirming the local status clears the parked flag; a remote
// state the lifecycle cannot reach from here is contradictory and parks the
// record for an operator.
func (s *Service) Reconcile(ctx context.Context, id, actor string) (*EscrowPayment, error) {
	ctx = logging.WithPaymentID(ctx, id)
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile", traces.PaymentID(id))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsTerminal() && !p.NeedsReconciliation {
		return p, nil
	}

	remote, err := s.gateway.LookupOrder(ctx, p.GatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("lookup order: %w", err)
	}

	switch remote.State {
	case gateway.OrderProcessing:
		// Gateway has not settled the order either; nothing to conclude yet.
		return p, nil

	case gateway.OrderCreated:
		if p.Status == StatusPending {
			return s.confirmLocal(ctx, p, "hold open at gateway, capture never landed", actor)
		}
		return s.parkContradiction(ctx, p, remote, actor)

	case gateway.OrderCaptured:
		switch p.Status {
		case StatusPending:
			return s.settleRemote(ctx, p, StatusFunded, ActionCaptured, remote.CaptureID, actor)
		case StatusFunded:
			return s.confirmLocal(ctx, p, "capture confirmed, no payout at gateway", actor)
		case StatusDisputed:
			return s.confirmLocal(ctx, p, "capture confirmed at gateway", actor)
		}
		return s.parkContradiction(ctx, p, remote, actor)

	case gateway.OrderPayoutSent:
		switch p.Status {
		case StatusFunded:
			return s.settleRemote(ctx, p, StatusReleased, ActionReleased, remote.PayoutID, actor)
		case StatusReleased:
			return s.confirmLocal(ctx, p, "payout confirmed at gateway", actor)
		}
		return s.parkContradiction(ctx, p, remote, actor)

	case gateway.OrderRefunded:
		switch p.Status {
		case StatusPending, StatusFunded:
			return s.settleRemote(ctx, p, StatusRefunded, ActionRefunded, remote.RefundID, actor)
		case StatusRefunded:
			return s.confirmLocal(ctx, p, "refund confirmed at gateway", actor)
		}
		return s.parkContradiction(ctx, p, remote, actor)
	}

	logging.L(ctx).Warn("unrecognized gateway order state",
		"order_id", remote.OrderID, "state", remote.State)
	return p, nil
}

// settleRemote applies a transition the gateway has already settled. The
// reconcile lock is held; ApplyTransition clears the parked flag on success.
func (s *Service) settleRemote(ctx context.Context, p *EscrowPayment, to Status, action, txID, actor string) (*EscrowPayment, error) {
	updated, _, err := s.settleLocked(ctx, Transition{
		EscrowID:    p.ID,
		From:        p.Status,
		To:          to,
		Action:      action,
		Actor:       actor,
		GatewayTxID: txID,
		Note:        "confirmed against gateway order state",
	})
	return updated, err
}

// confirmLocal clears the parked flag after the gateway confirmed the local
// status is right. No-op when the record is not parked.
func (s *Service) confirmLocal(ctx context.Context, p *EscrowPayment, note, actor string) (*EscrowPayment, error) {
	if !p.NeedsReconciliation {
		return p, nil
	}
	if err := s.store.SetReconciliation(ctx, p.ID, false, note, actor); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, p.ID)
}

// parkContradiction flags a record whose local status the gateway's state
// can never reach through legal transitions. These never settle on their
// own; an operator resolves them.
func (s *Service) parkContradiction(ctx context.Context, p *EscrowPayment, remote *gateway.OrderStatus, actor string) (*EscrowPayment, error) {
	note := fmt.Sprintf("local status %s contradicts gateway order state %s", p.Status, remote.State)
	logging.L(ctx).Error("reconciliation found contradictory state",
		"status", string(p.Status), "order_state", remote.State, "order_id", remote.OrderID)
	if err := s.store.SetReconciliation(ctx, p.ID, true, note, actor); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, p.ID)
}

// captureFailed records a denied capture, or parks the record when the
// outcome is unknown. Returns the original gateway error either way.
func (s *Service) captureFailed(ctx context.Context, p *EscrowPayment, actor string, cause error) error {
	if errors.Is(cause, gateway.ErrReconciliationRequired) {
		if err := s.store.SetReconciliation(ctx, p.ID, true, "capture outcome unknown", ActorSystem); err != nil {
			logging.L(ctx).Error("failed to park payment for reconciliation", "error", err)
		}
		return cause
	}
	if err := s.machine.RecordFailure(ctx, p, ActionCaptureFailed, actor, kindNote(cause)); err != nil {
		logging.L(ctx).Error("failed to record capture failure", "error", err)
	}
	return cause
}

func (s *Service) payoutFailed(ctx context.Context, p *EscrowPayment, actor string, cause error) error {
	if errors.Is(cause, gateway.ErrReconciliationRequired) {
		if err := s.store.SetReconciliation(ctx, p.ID, true, "payout outcome unknown", ActorSystem); err != nil {
			logging.L(ctx).Error("failed to park payment for reconciliation", "error", err)
		}
		return cause
	}
	if err := s.machine.RecordFailure(ctx, p, ActionPayoutFailed, actor, kindNote(cause)); err != nil {
		logging.L(ctx).Error("failed to record payout failure", "error", err)
	}
	return cause
}

func (s *Service) refundFailed(ctx context.Context, p *EscrowPayment, actor string, cause error) error {
	if errors.Is(cause, gateway.ErrReconciliationRequired) {
		if err := s.store.SetReconciliation(ctx, p.ID, true, "refund outcome unknown", ActorSystem); err != nil {
			logging.L(ctx).Error("failed to park payment for reconciliation", "error", err)
		}
		return cause
	}
	if err := s.machine.RecordFailure(ctx, p, ActionRefundFailed, actor, kindNote(cause)); err != nil {
		logging.L(ctx).Error("failed to record refund failure", "error", err)
	}
	return cause
}

// apply runs t through the machine and emits the matching notification when
// the transition actually happened.
func (s *Service) apply(ctx context.Context, t Transition) (*EscrowPayment, error) {
	p, applied, err := s.machine.AttemptTransition(ctx, t)
	if err != nil {
		return nil, err
	}
	if applied {
		s.emit(ctx, eventForStatus(t.To), p)
	}
	return p, nil
}

// emit fans a lifecycle event out to the notifier and the realtime feed.
// Both are optional and neither can fail the operation.
func (s *Service) emit(ctx context.Context, event string, p *EscrowPayment) {
	if event == "" || p == nil {
		return
	}
	if s.notifier != nil {
		s.notifier.PaymentEvent(ctx, event, p)
	}
	if s.feed != nil {
		s.feed.BroadcastPayment(event, p)
	}
}

func eventForStatus(st Status) string {
	switch st {
	case StatusFunded:
		return EventFunded
	case StatusReleased:
		return EventReleased
	case StatusRefunded:
		return EventRefunded
	case StatusDisputed:
		return EventDisputed
	}
	return ""
}

// kindNote maps a gateway failure to the short slug recorded on the history
// entry, keeping raw gateway messages out of the audit trail.
func kindNote(err error) string {
	switch {
	case errors.Is(err, gateway.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, gateway.ErrPayeeUnregistered):
		return "payee_unregistered"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, gateway.ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, gateway.ErrInvalidRequest):
		return "rejected_by_gateway"
	}
	return "gateway_error"
}
