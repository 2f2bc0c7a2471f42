package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// mirrors the PostgresStore semantics, including the compare-and-set in
// ApplyTransition, so service and machine behavior is identical on both.
type MemoryStore struct {
	payments map[string]*EscrowPayment
	history  map[string][]*HistoryEntry
	nextID   int64
	mu       sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*EscrowPayment),
		history:  make(map[string][]*HistoryEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *EscrowPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[e.ID] = copyPayment(e)
	m.appendHistoryLocked(&HistoryEntry{
		EscrowID:    e.ID,
		Action:      ActionCreated,
		PriorStatus: e.Status,
		NewStatus:   e.Status,
		Actor:       e.ClientID,
		CreatedAt:   e.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(e), nil
}

func (m *MemoryStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.payments {
		if e.GatewayOrderID == orderID && orderID != "" {
			return copyPayment(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByProject(ctx context.Context, projectID string, limit int, opts ...ListOption) ([]*EscrowPayment, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowPayment
	for _, e := range m.payments {
		if e.ProjectID != projectID {
			continue
		}
		if o.cursor != nil && !beforeCursor(e, o.cursor.CreatedAt, o.cursor.ID) {
			continue
		}
		result = append(result, copyPayment(e))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether e sorts strictly after the cursor position in
// the newest-first ordering.
func beforeCursor(e *EscrowPayment, createdAt time.Time, id string) bool {
	if e.CreatedAt.Equal(createdAt) {
		return e.ID < id
	}
	return e.CreatedAt.Before(createdAt)
}

func (m *MemoryStore) ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowPayment
	for _, e := range m.payments {
		if e.NeedsReconciliation || (e.Status == StatusPending && e.CreatedAt.Before(pendingBefore)) {
			result = append(result, copyPayment(e))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range m.payments {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) CountNeedingReconciliation(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.payments {
		if e.NeedsReconciliation {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, t Transition) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.payments[t.EscrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != t.From {
		return nil, &StatusMismatchError{EscrowID: t.EscrowID, Expected: t.From, Found: e.Status}
	}

	now := time.Now().UTC()
	e.Status = t.To
	e.UpdatedAt = now
	e.NeedsReconciliation = false
	e.ReconcileNote = ""

	switch t.To {
	case StatusFunded:
		e.FundedAt = &now
		if t.GatewayTxID != "" {
			e.GatewayCaptureID = t.GatewayTxID
		}
	case StatusReleased:
		e.ReleasedAt = &now
		if t.GatewayTxID != "" {
			e.GatewayPayoutID = t.GatewayTxID
		}
	case StatusRefunded:
		e.RefundedAt = &now
		if t.GatewayTxID != "" {
			e.GatewayRefundID = t.GatewayTxID
		}
	case StatusDisputed:
		e.DisputedAt = &now
		e.DisputeReason = t.Note
	}

	m.appendHistoryLocked(&HistoryEntry{
		EscrowID:    t.EscrowID,
		Action:      t.Action,
		PriorStatus: t.From,
		NewStatus:   t.To,
		Actor:       t.Actor,
		GatewayTxID: t.GatewayTxID,
		Note:        t.Note,
		CreatedAt:   now,
	})
	return copyPayment(e), nil
}

func (m *MemoryStore) BindPayee(ctx context.Context, id, payeeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if e.PayeeID != "" && e.PayeeID != payeeID {
		return ErrPayeeMismatch
	}
	e.PayeeID = payeeID
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.appendHistoryLocked(entry)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, escrowID string) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[escrowID]
	result := make([]*HistoryEntry, 0, len(entries))
	for _, h := range entries {
		cp := *h
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SetReconciliation(ctx context.Context, id string, needed bool, note, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if e.NeedsReconciliation == needed {
		return nil
	}

	e.NeedsReconciliation = needed
	if needed {
		e.ReconcileNote = note
	} else {
		e.ReconcileNote = ""
	}
	e.UpdatedAt = time.Now().UTC()

	action := ActionReconciled
	if needed {
		action = ActionReconciliationFlagged
	}
	m.appendHistoryLocked(&HistoryEntry{
		EscrowID:    id,
		Action:      action,
		PriorStatus: e.Status,
		NewStatus:   e.Status,
		Actor:       actor,
		Note:        note,
		CreatedAt:   e.UpdatedAt,
	})
	return nil
}

// appendHistoryLocked assigns the entry id and stores a copy. Callers hold
// the write lock.
func (m *MemoryStore) appendHistoryLocked(h *HistoryEntry) {
	m.nextID++
	cp := *h
	cp.ID = m.nextID
	m.history[h.EscrowID] = append(m.history[h.EscrowID], &cp)
}

// copyPayment returns a deep copy so callers never share pointers with the
// stored record.
func copyPayment(e *EscrowPayment) *EscrowPayment {
	cp := *e
	cp.FundedAt = copyTime(e.FundedAt)
	cp.ReleasedAt = copyTime(e.ReleasedAt)
	cp.RefundedAt = copyTime(e.RefundedAt)
	cp.DisputedAt = copyTime(e.DisputedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
