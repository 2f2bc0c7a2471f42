// Package webhook ingests payment gateway notifications and settles escrow
// records against them.
//
// A delivery is verified, resolved to a local payment by gateway order id,
// applied through the state machine, and durably recorded in a
// processed-events ledger before it is acknowledged. The ledger's unique
// event id is the fast dedupe path; the gateway tx id already present on the
// record is the authoritative duplicate guard.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/gateway"
	"github.com/marketplane/escrowd/internal/logging"
)

// ErrEventSeen is returned by EventStore.Record when the event id was
// already recorded by an earlier (or concurrent) delivery.
var ErrEventSeen = errors.New("webhook: event already recorded")

// Outcomes recorded for each processed delivery.
const (
	OutcomeApplied   = "applied"   // transition or failure entry written
	OutcomeDuplicate = "duplicate" // redelivery of something already applied
	OutcomeIgnored   = "ignored"   // recognized but intentionally not applied
	OutcomeNoMatch   = "no_match"  // no payment for the event's order id
)

// ProcessedEvent is one line of the processed-events ledger.
type ProcessedEvent struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	OrderID    string    `json:"orderId,omitempty"`
	EscrowID   string    `json:"escrowId,omitempty"`
	Outcome    string    `json:"outcome"`
	Note       string    `json:"note,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// EventStore is the durable processed-events ledger. Record with an event id
// that already exists returns ErrEventSeen and writes nothing.
type EventStore interface {
	Record(ctx context.Context, ev *ProcessedEvent) error
	Seen(ctx context.Context, eventID string) (bool, error)
}

// Payments is the slice of the escrow service the reconciler drives.
type Payments interface {
	GetByGatewayOrderID(ctx context.Context, orderID string) (*escrow.EscrowPayment, error)
	Settle(ctx context.Context, t escrow.Transition) (*escrow.EscrowPayment, bool, error)
	RecordFailure(ctx context.Context, id, action, actor, note string) error
	SetReconciliation(ctx context.Context, id string, needed bool, note, actor string) error
}

// Parser verifies and normalizes a raw delivery. The active gateway driver
// implements it.
type Parser interface {
	ParseWebhook(payload []byte, header http.Header) (*gateway.WebhookEvent, error)
}

var webhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Inbound gateway webhook deliveries by event type and recorded outcome.",
}, []string{"type", "outcome"})

func init() {
	prometheus.MustRegister(webhookEventsTotal)
}

// Reconciler applies verified gateway events to escrow payments.
type Reconciler struct {
	parser   Parser
	payments Payments
	events   EventStore
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(parser Parser, payments Payments, events EventStore) *Reconciler {
	return &Reconciler{parser: parser, payments: payments, events: events}
}

// Process handles one raw delivery end to end and returns the recorded
// outcome. Error classes for the HTTP layer:
//   - gateway.ErrInvalidSignature / gateway.ErrInvalidRequest: reject, no
//     state touched;
//   - anything else: processing or durable recording failed, the gateway
//     should redeliver.
func (r *Reconciler) Process(ctx context.Context, payload []byte, header http.Header) (*ProcessedEvent, error) {
	ev, err := r.parser.ParseWebhook(payload, header)
	if err != nil {
		return nil, err
	}

	seen, err := r.events.Seen(ctx, ev.EventID)
	if err != nil {
		// The ledger read is only the fast path; Record below still guards.
		logging.L(ctx).Warn("processed-events lookup failed", "event_id", ev.EventID, "error", err)
	}
	if seen {
		rec := &ProcessedEvent{
			EventID:   ev.EventID,
			EventType: ev.Type,
			OrderID:   ev.OrderID,
			Outcome:   OutcomeDuplicate,
			Note:      "event id already processed",
		}
		webhookEventsTotal.WithLabelValues(ev.Type, OutcomeDuplicate).Inc()
		return rec, nil
	}

	rec := &ProcessedEvent{
		EventID:    ev.EventID,
		EventType:  ev.Type,
		OrderID:    ev.OrderID,
		ReceivedAt: time.Now().UTC(),
	}

	switch ev.Type {
	case gateway.EventCaptureCompleted, gateway.EventCaptureDenied, gateway.EventCaptureRefunded:
		outcome, escrowID, note, err := r.apply(ctx, ev)
		if err != nil {
			return nil, err
		}
		rec.Outcome, rec.EscrowID, rec.Note = outcome, escrowID, note
	default:
		logging.L(ctx).Info("ignoring unhandled gateway event type",
			"event_id", ev.EventID, "type", ev.Type)
		rec.Outcome = OutcomeIgnored
		rec.Note = "unhandled event type"
	}

	if err := r.events.Record(ctx, rec); err != nil {
		if errors.Is(err, ErrEventSeen) {
			// Lost a race against a concurrent redelivery; the winner's
			// record stands and our apply was a no-op under the same guard.
			rec.Outcome = OutcomeDuplicate
			webhookEventsTotal.WithLabelValues(ev.Type, OutcomeDuplicate).Inc()
			return rec, nil
		}
		return nil, fmt.Errorf("record processed event: %w", err)
	}
	webhookEventsTotal.WithLabelValues(ev.Type, rec.Outcome).Inc()
	return rec, nil
}

// apply resolves the payment and dispatches by event type.
func (r *Reconciler) apply(ctx context.Context, ev *gateway.WebhookEvent) (outcome, escrowID, note string, err error) {
	p, err := r.payments.GetByGatewayOrderID(ctx, ev.OrderID)
	if errors.Is(err, escrow.ErrNotFound) {
		logging.L(ctx).Warn("gateway event references unknown order",
			"event_id", ev.EventID, "type", ev.Type, "order_id", ev.OrderID)
		return OutcomeNoMatch, "", "no payment for gateway order", nil
	}
	if err != nil {
		return "", "", "", err
	}

	ctx = logging.WithPaymentID(ctx, p.ID)
	switch ev.Type {
	case gateway.EventCaptureCompleted:
		return r.applyCapture(ctx, p, ev)
	case gateway.EventCaptureDenied:
		return r.applyDenial(ctx, p, ev)
	case gateway.EventCaptureRefunded:
		return r.applyRefund(ctx, p, ev)
	}
	return OutcomeIgnored, p.ID, "", nil
}

// applyCapture confirms a capture: pending → funded with the event's capture
// id. The capture id already on the record means this delivery was applied
// before.
func (r *Reconciler) applyCapture(ctx context.Context, p *escrow.EscrowPayment, ev *gateway.WebhookEvent) (string, string, string, error) {
	if p.GatewayCaptureID != "" && p.GatewayCaptureID == ev.TxID {
		return OutcomeDuplicate, p.ID, "capture already recorded", nil
	}

	_, applied, err := r.payments.Settle(ctx, escrow.Transition{
		EscrowID:    p.ID,
		From:        escrow.StatusPending,
		To:          escrow.StatusFunded,
		Action:      escrow.ActionCaptured,
		Actor:       escrow.ActorWebhook,
		GatewayTxID: ev.TxID,
		Note:        "capture confirmed by gateway webhook",
	})
	if err == nil {
		if applied {
			return OutcomeApplied, p.ID, "", nil
		}
		return OutcomeDuplicate, p.ID, "already funded", nil
	}

	var stale *escrow.StaleTransitionError
	if errors.As(err, &stale) {
		// The capture notice arrived after the payment settled another way,
		// e.g. refunded while the event was in flight.
		logging.L(ctx).Warn("capture event arrived for a settled payment",
			"event_id", ev.EventID, "status", string(stale.Found))
		return OutcomeIgnored, p.ID, fmt.Sprintf("payment already %s", stale.Found), nil
	}
	return "", "", "", err
}

// applyDenial records a denied capture. No money moved: the payment stays
// pending and retryable, and a denial resolves the ambiguity of any parked
// capture attempt.
func (r *Reconciler) applyDenial(ctx context.Context, p *escrow.EscrowPayment, ev *gateway.WebhookEvent) (string, string, string, error) {
	if p.Status != escrow.StatusPending {
		logging.L(ctx).Warn("capture denial for a payment no longer pending",
			"event_id", ev.EventID, "status", string(p.Status))
		return OutcomeIgnored, p.ID, fmt.Sprintf("payment already %s", p.Status), nil
	}

	note := ev.Reason
	if note == "" {
		note = "capture denied by gateway"
	}
	if err := r.payments.RecordFailure(ctx, p.ID, escrow.ActionCaptureFailed, escrow.ActorWebhook, note); err != nil {
		return "", "", "", err
	}
	if p.NeedsReconciliation {
		if err := r.payments.SetReconciliation(ctx, p.ID, false, "capture denied, no funds moved", escrow.ActorWebhook); err != nil {
			return "", "", "", err
		}
	}
	return OutcomeApplied, p.ID, note, nil
}

// applyRefund settles a gateway-side refund. A refund id already on the
// record is a redelivery; a refund against a released or disputed payment
// contradicts the local lifecycle and parks the record for an operator.
func (r *Reconciler) applyRefund(ctx context.Context, p *escrow.EscrowPayment, ev *gateway.WebhookEvent) (string, string, string, error) {
	if p.GatewayRefundID != "" && p.GatewayRefundID == ev.TxID {
		return OutcomeDuplicate, p.ID, "refund already recorded", nil
	}

	switch p.Status {
	case escrow.StatusPending, escrow.StatusFunded:
		_, applied, err := r.payments.Settle(ctx, escrow.Transition{
			EscrowID:    p.ID,
			From:        p.Status,
			To:          escrow.StatusRefunded,
			Action:      escrow.ActionRefunded,
			Actor:       escrow.ActorWebhook,
			GatewayTxID: ev.TxID,
			Note:        "refunded at gateway",
		})
		if err == nil {
			if applied {
				return OutcomeApplied, p.ID, "", nil
			}
			return OutcomeDuplicate, p.ID, "already refunded", nil
		}
		var stale *escrow.StaleTransitionError
		if errors.As(err, &stale) {
			return r.parkRefundContradiction(ctx, p.ID, ev, stale.Found)
		}
		return "", "", "", err

	case escrow.StatusRefunded:
		return OutcomeDuplicate, p.ID, "already refunded", nil
	}

	// Released or disputed: the gateway's money position contradicts the
	// local lifecycle.
	return r.parkRefundContradiction(ctx, p.ID, ev, p.Status)
}

func (r *Reconciler) parkRefundContradiction(ctx context.Context, escrowID string, ev *gateway.WebhookEvent, found escrow.Status) (string, string, string, error) {
	note := fmt.Sprintf("gateway refunded order %s while payment is %s", ev.OrderID, found)
	logging.L(ctx).Error("gateway refund contradicts local status",
		"event_id", ev.EventID, "status", string(found), "order_id", ev.OrderID)
	if err := r.payments.SetReconciliation(ctx, escrowID, true, note, escrow.ActorWebhook); err != nil {
		return "", "", "", err
	}
	return OutcomeIgnored, escrowID, note, nil
}
