package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryEventStore is an in-memory processed-events ledger for demo mode
// and tests.
type MemoryEventStore struct {
	mu      sync.Mutex
	byEvent map[string]*ProcessedEvent
	nextID  int64
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore creates an empty in-memory ledger.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{byEvent: make(map[string]*ProcessedEvent)}
}

func (m *MemoryEventStore) Record(ctx context.Context, ev *ProcessedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEvent[ev.EventID]; ok {
		return ErrEventSeen
	}

	m.nextID++
	stored := *ev
	stored.ID = m.nextID
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}
	m.byEvent[stored.EventID] = &stored
	ev.ID = stored.ID
	ev.ReceivedAt = stored.ReceivedAt
	return nil
}

func (m *MemoryEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byEvent[eventID]
	return ok, nil
}
