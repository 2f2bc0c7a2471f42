package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore persists the processed-events ledger in PostgreSQL.
// The unique index on event_id makes Record race-safe: of two concurrent
// deliveries of the same event, exactly one insert lands.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore creates a PostgreSQL-backed processed-events ledger.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Record(ctx context.Context, ev *ProcessedEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_gateway_events
			(event_id, event_type, order_id, escrow_id, outcome, note, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, nullString(ev.OrderID), nullString(ev.EscrowID),
		ev.Outcome, nullString(ev.Note), ev.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventSeen
	}
	return nil
}

func (s *PostgresEventStore) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_gateway_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	return exists, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
