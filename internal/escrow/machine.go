package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketplane/escrowd/internal/metrics"
)

// transitions lists the legal forward edges of the payment lifecycle.
// Released and refunded are terminal; disputed has no outgoing edges.
var transitions = map[Status]map[Status]bool{
	StatusPending: {StatusFunded: true, StatusRefunded: true},
	StatusFunded:  {StatusReleased: true, StatusDisputed: true, StatusRefunded: true},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Machine is the sole authority on escrow status changes. Every status
// mutation in the system flows through AttemptTransition, which makes the
// compare-and-set against the store and settles races: a transition whose
// target was already reached by someone else is an idempotent success, any
// other mismatch is a stale conflict carrying the observed status.
type Machine struct {
	store Store
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// AttemptTransition applies t atomically. Outcomes:
//   - stored status == t.From: transition applied, history appended, updated
//     record returned with applied=true;
//   - stored status == t.To: no-op, current record returned with applied=false
//     and nil error (a duplicate webhook or a lost race to the same target);
//   - anything else: *StaleTransitionError with the observed status.
//
// Callers use applied to decide whether to emit notifications: a transition
// that lost the race already had its side effects emitted by the winner.
// Backward or otherwise illegal edges are rejected before touching the store.
func (m *Machine) AttemptTransition(ctx context.Context, t Transition) (*EscrowPayment, bool, error) {
	if !CanTransition(t.From, t.To) {
		return nil, false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.From, t.To)
	}

	p, err := m.store.ApplyTransition(ctx, t)
	if err == nil {
		metrics.PaymentTransitionsTotal.WithLabelValues(string(t.To), actorLabel(t.Actor)).Inc()
		if p.IsTerminal() {
			metrics.PaymentSettleDuration.Observe(time.Since(p.CreatedAt).Seconds())
		}
		return p, true, nil
	}

	var mismatch *StatusMismatchError
	if errors.As(err, &mismatch) {
		if mismatch.Found == t.To {
			metrics.StaleTransitionsTotal.WithLabelValues("idempotent").Inc()
			current, getErr := m.store.Get(ctx, t.EscrowID)
			return current, false, getErr
		}
		metrics.StaleTransitionsTotal.WithLabelValues("conflict").Inc()
		return nil, false, &StaleTransitionError{
			EscrowID: t.EscrowID,
			Expected: t.From,
			Found:    mismatch.Found,
			Target:   t.To,
		}
	}
	return nil, false, err
}

// RecordFailure appends an audit entry for a rejected attempt without
// changing the record's status. Prior and new status are equal; the action
// names what failed (capture_failed, payout_failed, refund_failed).
func (m *Machine) RecordFailure(ctx context.Context, p *EscrowPayment, action, actor, note string) error {
	return m.store.AppendHistory(ctx, &HistoryEntry{
		EscrowID:    p.ID,
		Action:      action,
		PriorStatus: p.Status,
		NewStatus:   p.Status,
		Actor:       actor,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	})
}

// actorLabel collapses user ids to a single metric label value to keep
// cardinality bounded.
func actorLabel(actor string) string {
	switch actor {
	case ActorWebhook, ActorReconciler, ActorSystem:
		return actor
	}
	return "user"
}
