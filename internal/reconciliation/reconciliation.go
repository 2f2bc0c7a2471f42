// Package reconciliation settles payments whose gateway outcome never
// confirmed.
//
// Two kinds of records need the sweep: payments parked with
// needs_reconciliation after an ambiguous capture, payout, or refund, and
// payments sitting pending long after their hold was created, whose
// confirmation webhook never arrived. The runner lists both, asks the gateway
// for the authoritative order state through the escrow service, and counts
// what settled. A timer runs the sweep on an interval; operators can trigger
// it on demand.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marketplane/escrowd/internal/escrow"
	"github.com/marketplane/escrowd/internal/logging"
	"github.com/marketplane/escrowd/internal/metrics"
)

const (
	defaultPendingAge = 30 * time.Minute
	sweepBatchSize    = 100
	sweepConcurrency  = 4
)

// Lister finds the payments a sweep should look at and the counts behind the
// status gauges. The escrow store satisfies it.
type Lister interface {
	ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*escrow.EscrowPayment, error)
	CountByStatus(ctx context.Context) (map[escrow.Status]int, error)
	CountNeedingReconciliation(ctx context.Context) (int, error)
}

// Resolver settles one payment against the gateway's view of its order.
// The escrow service satisfies it.
type Resolver interface {
	Reconcile(ctx context.Context, id, actor string) (*escrow.EscrowPayment, error)
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time `json:"startedAt"`
	Duration   string    `json:"duration"`
	Scanned    int       `json:"scanned"`
	Resolved   int       `json:"resolved"`
	StillStuck int       `json:"stillStuck"`
	Failed     int       `json:"failed"`
}

// Runner executes reconciliation sweeps.
type Runner struct {
	lister      Lister
	resolver    Resolver
	pendingAge  time.Duration
	batchSize   int
	concurrency int
}

// NewRunner creates a sweep runner. Pending payments older than the default
// age are treated as stuck; SetPendingAge adjusts the cutoff.
func NewRunner(lister Lister, resolver Resolver) *Runner {
	return &Runner{
		lister:      lister,
		resolver:    resolver,
		pendingAge:  defaultPendingAge,
		batchSize:   sweepBatchSize,
		concurrency: sweepConcurrency,
	}
}

// SetPendingAge sets how long a payment may sit pending before the sweep
// considers it stuck.
func (r *Runner) SetPendingAge(age time.Duration) {
	if age > 0 {
		r.pendingAge = age
	}
}

// SetBatchSize caps how many stuck payments one sweep scans.
func (r *Runner) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// SetConcurrency bounds the sweep's parallel reconcile calls.
func (r *Runner) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

// RunAll sweeps one batch of stuck payments and refreshes the status gauges.
// Per-payment failures are counted, not surfaced; the returned error covers
// only the sweep itself being unable to run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	stuck, err := r.lister.ListStuck(ctx, start.Add(-r.pendingAge), r.batchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list stuck payments: %w", err)
	}

	report := &Report{StartedAt: start.UTC(), Scanned: len(stuck)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, p := range stuck {
		g.Go(func() error {
			after, err := r.resolver.Reconcile(gctx, p.ID, escrow.ActorReconciler)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				reconcileErrors.Inc()
				logging.L(gctx).Warn("reconcile failed", "payment_id", p.ID, "error", err)
			case resolved(p, after):
				report.Resolved++
				reconcileResolved.Inc()
			default:
				report.StillStuck++
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are counted in the report

	r.refreshGauges(ctx)
	stuckPayments.Set(float64(report.StillStuck))
	reconcileDuration.Observe(time.Since(start).Seconds())
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	logging.L(ctx).Info("reconciliation sweep finished",
		"scanned", report.Scanned, "resolved", report.Resolved,
		"still_stuck", report.StillStuck, "failed", report.Failed)
	return report, nil
}

// resolved reports whether the sweep actually moved the record: the status
// caught up with the gateway, or the gateway confirmed it and the parked
// flag cleared.
func resolved(before, after *escrow.EscrowPayment) bool {
	if after == nil {
		return false
	}
	if after.Status != before.Status {
		return true
	}
	return before.NeedsReconciliation && !after.NeedsReconciliation
}

// refreshGauges samples the status distribution into the shared gauges.
// Every status is written so a drained one drops back to zero.
func (r *Runner) refreshGauges(ctx context.Context) {
	counts, err := r.lister.CountByStatus(ctx)
	if err != nil {
		logging.L(ctx).Warn("status count failed", "error", err)
	} else {
		for _, st := range []escrow.Status{
			escrow.StatusPending, escrow.StatusFunded, escrow.StatusReleased,
			escrow.StatusDisputed, escrow.StatusRefunded,
		} {
			metrics.PaymentsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
		}
	}

	parked, err := r.lister.CountNeedingReconciliation(ctx)
	if err != nil {
		logging.L(ctx).Warn("reconciliation count failed", "error", err)
		return
	}
	metrics.NeedsReconciliation.Set(float64(parked))
}
