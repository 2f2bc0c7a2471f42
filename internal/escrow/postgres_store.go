package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists escrow payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *EscrowPayment) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_payments (
			id, project_id, client_id, payee_id,
			gross_amount, currency, fee_rate, platform_fee, payee_receivable,
			status, description,
			gateway_order_id, needs_reconciliation,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(20,6), $6, $7::NUMERIC(8,6), $8::NUMERIC(20,6), $9::NUMERIC(20,6),
			$10, $11,
			$12, FALSE,
			$13, $14
		)`,
		e.ID, e.ProjectID, e.ClientID, nullString(e.PayeeID),
		e.GrossAmount, e.Currency, e.FeeRate, e.PlatformFee, e.PayeeReceivable,
		string(e.Status), nullString(e.Description),
		nullString(e.GatewayOrderID),
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	if err := insertHistory(ctx, tx, &HistoryEntry{
		EscrowID:    e.ID,
		Action:      ActionCreated,
		PriorStatus: e.Status,
		NewStatus:   e.Status,
		Actor:       e.ClientID,
		CreatedAt:   e.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

const paymentColumns = `id, project_id, client_id, payee_id,
		       gross_amount, currency, fee_rate, platform_fee, payee_receivable,
		       status, description, dispute_reason,
		       gateway_order_id, gateway_capture_id, gateway_payout_id, gateway_refund_id,
		       needs_reconciliation, reconcile_note,
		       created_at, funded_at, released_at, refunded_at, disputed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)

	e, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByGatewayOrderID(ctx context.Context, orderID string) (*EscrowPayment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM escrow_payments WHERE gateway_order_id = $1`, orderID)

	e, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByProject(ctx context.Context, projectID string, limit int, opts ...ListOption) ([]*EscrowPayment, error) {
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM escrow_payments
			WHERE project_id = $1
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, projectID, o.cursor.CreatedAt, o.cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+paymentColumns+`
			FROM escrow_payments
			WHERE project_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, projectID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, pendingBefore time.Time, limit int) ([]*EscrowPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE needs_reconciliation
		   OR (status = 'pending' AND created_at < $1)
		ORDER BY created_at ASC
		LIMIT $2`, pendingBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM escrow_payments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CountNeedingReconciliation(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escrow_payments WHERE needs_reconciliation`).Scan(&n)
	return n, err
}

// ApplyTransition performs the compare-and-set as one transaction: row lock,
// status check, status + lifecycle stamp + gateway id update, history entry.
// A status mismatch rolls everything back and returns *StatusMismatchError.
// Any applied transition clears the needs-reconciliation flag.
func (p *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (*EscrowPayment, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1 FOR UPDATE`, t.EscrowID)
	e, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
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

	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_payments SET
			status = $1, updated_at = $2,
			needs_reconciliation = FALSE, reconcile_note = NULL,
			gateway_capture_id = $3, gateway_payout_id = $4, gateway_refund_id = $5,
			dispute_reason = $6,
			funded_at = $7, released_at = $8, refunded_at = $9, disputed_at = $10
		WHERE id = $11`,
		string(e.Status), e.UpdatedAt,
		nullString(e.GatewayCaptureID), nullString(e.GatewayPayoutID), nullString(e.GatewayRefundID),
		nullString(e.DisputeReason),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.DisputedAt),
		e.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if err := insertHistory(ctx, tx, &HistoryEntry{
		EscrowID:    t.EscrowID,
		Action:      t.Action,
		PriorStatus: t.From,
		NewStatus:   t.To,
		Actor:       t.Actor,
		GatewayTxID: t.GatewayTxID,
		Note:        t.Note,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

// BindPayee is first-write-wins: setting the same payee again is a no-op,
// a different payee already on the record is a mismatch.
func (p *PostgresStore) BindPayee(ctx context.Context, id, payeeID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET payee_id = $2, updated_at = NOW()
		WHERE id = $1 AND (payee_id IS NULL OR payee_id = $2)`,
		id, payeeID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var found sql.NullString
		err := p.db.QueryRowContext(ctx,
			`SELECT payee_id FROM escrow_payments WHERE id = $1`, id).Scan(&found)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrPayeeMismatch
	}
	return nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return insertHistory(ctx, p.db, entry)
}

func (p *PostgresStore) History(ctx context.Context, escrowID string) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, action, prior_status, new_status, actor, gateway_tx_id, note, created_at
		FROM payment_history
		WHERE escrow_id = $1
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		h := &HistoryEntry{}
		var (
			prior string
			next  string
			txID  sql.NullString
			note  sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.EscrowID, &h.Action, &prior, &next, &h.Actor, &txID, &note, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.PriorStatus = Status(prior)
		h.NewStatus = Status(next)
		h.GatewayTxID = txID.String
		h.Note = note.String
		result = append(result, h)
	}
	return result, rows.Err()
}

// SetReconciliation flips the parked flag and records the decision. A call
// that would not change the flag is a no-op without a history entry.
func (p *PostgresStore) SetReconciliation(ctx context.Context, id string, needed bool, note, actor string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	recNote := nullString(note)
	if !needed {
		recNote = sql.NullString{}
	}

	var status string
	err = tx.QueryRowContext(ctx, `
		UPDATE escrow_payments SET
			needs_reconciliation = $2,
			reconcile_note = $3,
			updated_at = NOW()
		WHERE id = $1 AND needs_reconciliation <> $2
		RETURNING status`, id, needed, recNote).Scan(&status)
	if err == sql.ErrNoRows {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT TRUE FROM escrow_payments WHERE id = $1`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if err != nil {
		return err
	}

	action := ActionReconciled
	if needed {
		action = ActionReconciliationFlagged
	}
	st := Status(status)
	if err := insertHistory(ctx, tx, &HistoryEntry{
		EscrowID:    id,
		Action:      action,
		PriorStatus: st,
		NewStatus:   st,
		Actor:       actor,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertHistory(ctx context.Context, db execer, h *HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO payment_history (
			escrow_id, action, prior_status, new_status, actor, gateway_tx_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		h.EscrowID, h.Action, string(h.PriorStatus), string(h.NewStatus), h.Actor,
		nullString(h.GatewayTxID), nullString(h.Note), h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*EscrowPayment, error) {
	e := &EscrowPayment{}
	var (
		payeeID       sql.NullString
		status        string
		description   sql.NullString
		disputeReason sql.NullString
		orderID       sql.NullString
		captureID     sql.NullString
		payoutID      sql.NullString
		refundID      sql.NullString
		reconcileNote sql.NullString
		fundedAt      sql.NullTime
		releasedAt    sql.NullTime
		refundedAt    sql.NullTime
		disputedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.ProjectID, &e.ClientID, &payeeID,
		&e.GrossAmount, &e.Currency, &e.FeeRate, &e.PlatformFee, &e.PayeeReceivable,
		&status, &description, &disputeReason,
		&orderID, &captureID, &payoutID, &refundID,
		&e.NeedsReconciliation, &reconcileNote,
		&e.CreatedAt, &fundedAt, &releasedAt, &refundedAt, &disputedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.PayeeID = payeeID.String
	e.Description = description.String
	e.DisputeReason = disputeReason.String
	e.GatewayOrderID = orderID.String
	e.GatewayCaptureID = captureID.String
	e.GatewayPayoutID = payoutID.String
	e.GatewayRefundID = refundID.String
	e.ReconcileNote = reconcileNote.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}

	return e, nil
}

func scanPayments(rows *sql.Rows) ([]*EscrowPayment, error) {
	var result []*EscrowPayment
	for rows.Next() {
		e, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
