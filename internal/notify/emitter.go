package notify

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/idgen"
	"github.com/marketplane/escrowd/internal/logging"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Lifecycle events handed to the notification dispatcher, by event type.",
	}, []string{"event"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Lifecycle events the dispatcher could not fan out, by event type.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter adapts the dispatcher to the escrow service's notification hook.
// One lifecycle event fans out to every party on the payment. Failures are
// logged and swallowed; a notification problem never surfaces as a payment
// error.
type Emitter struct {
	d *Dispatcher
}

// NewEmitter wraps a dispatcher for use as the escrow service notifier.
func NewEmitter(d *Dispatcher) *Emitter {
	return &Emitter{d: d}
}

var _ escrow.Notifier = (*Emitter)(nil)

// PaymentEvent pushes one lifecycle event to the payment's parties.
func (e *Emitter) PaymentEvent(ctx context.Context, event string, p *escrow.EscrowPayment) {
	if e == nil || e.d == nil || p == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(event).Inc()

	// Both parties' deliveries carry the same event id, so a subscriber
	// listening on behalf of both sides can deduplicate.
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      paymentData(p),
	}

	for _, userID := range recipients(p) {
		if err := e.d.DispatchToUser(ctx, userID, ev); err != nil {
			notifyEmitErrors.WithLabelValues(event).Inc()
			logging.L(ctx).Warn("notification dispatch failed",
				"event", event, "user_id", userID, "payment_id", p.ID, "error", err)
		}
	}
}

// recipients lists the parties that hear about a payment's lifecycle. The
// payee joins once bound.
func recipients(p *escrow.EscrowPayment) []string {
	users := []string{p.ClientID}
	if p.PayeeID != "" && p.PayeeID != p.ClientID {
		users = append(users, p.PayeeID)
	}
	return users
}

// paymentData builds the event payload. Amounts are decimal strings; gateway
// transaction ids stay internal.
func paymentData(p *escrow.EscrowPayment) map[string]interface{} {
	data := map[string]interface{}{
		"escrowId":        p.ID,
		"projectId":       p.ProjectID,
		"clientId":        p.ClientID,
		"status":          string(p.Status),
		"grossAmount":     p.GrossAmount.String(),
		"currency":        p.Currency,
		"platformFee":     p.PlatformFee.String(),
		"payeeReceivable": p.PayeeReceivable.String(),
	}
	if p.PayeeID != "" {
		data["payeeId"] = p.PayeeID
	}
	if p.DisputeReason != "" {
		data["disputeReason"] = p.DisputeReason
	}
	return data
}
