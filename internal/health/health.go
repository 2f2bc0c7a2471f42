// Package health aggregates readiness probes for the engine's external
// dependencies. The server registers one checker per dependency (the
// Postgres pool, the payment gateway) and /health reports the aggregate;
// a single unhealthy subsystem degrades the whole endpoint to 503.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// CheckTimeout bounds each individual checker. A hung dependency should
// degrade the endpoint, not hang it.
const CheckTimeout = 5 * time.Second

// Status is the outcome of probing a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry. With no checkers registered it
// reports healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. The name shows up verbatim in the
// /health response body.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker, each bounded by CheckTimeout,
// and returns the aggregate plus the individual results in registration
// order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Database returns a Checker that pings the Postgres pool. Every payment
// operation goes through the pool, so an unreachable database means the
// engine cannot do useful work.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if db == nil {
			return Status{Name: "database", Healthy: false, Detail: "not configured"}
		}
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}
