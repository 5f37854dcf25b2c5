package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/dealbroker/internal/pagination"
)

// PostgresStore persists escrow entries and audit logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payer_id, payee_id, amount, item_type, item_id, item_name,
	negotiation_id, payment_ref, status, dispute_reason, resolution,
	version, created_at, updated_at, resolved_at`

const auditColumns = `entry_id, seq, action, actor, message, created_at`

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_entries (`+escrowColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16
		)`,
		e.ID, e.PayerID, e.PayeeID, e.Amount,
		nullString(e.ItemType), nullString(e.ItemID), nullString(e.ItemName),
		nullString(e.NegotiationID), nullString(e.PaymentRef), string(e.Status),
		nullString(e.DisputeReason), nullString(e.Resolution),
		e.Version, e.CreatedAt, e.UpdatedAt, nullTime(e.ResolvedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "escrow_entries_negotiation_id_key" {
			return ErrAlreadyCaptured
		}
		return err
	}
	for _, a := range e.AuditLog {
		if err := insertAudit(ctx, tx, e.ID, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return p.getWhere(ctx, `id = $1`, id)
}

func (p *PostgresStore) GetByNegotiation(ctx context.Context, negotiationID string) (*Entry, error) {
	return p.getWhere(ctx, `negotiation_id = $1`, negotiationID)
}

// getWhere loads one entry and its audit log. where is a constant clause.
func (p *PostgresStore) getWhere(ctx context.Context, where string, arg string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_entries WHERE `+where, arg) // #nosec G202

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	logs, err := p.auditFor(ctx, []string{e.ID})
	if err != nil {
		return nil, err
	}
	e.AuditLog = logs[e.ID]
	return e, nil
}

func (p *PostgresStore) Transition(ctx context.Context, e *Entry, audit AuditEntry, expectedVersion int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_entries SET
			status = $1, dispute_reason = $2, resolution = $3,
			version = $4, updated_at = $5, resolved_at = $6
		WHERE id = $7 AND version = $8`,
		string(e.Status), nullString(e.DisputeReason), nullString(e.Resolution),
		e.Version, e.UpdatedAt, nullTime(e.ResolvedAt),
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_entries WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if err := insertAudit(ctx, tx, e.ID, audit); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrVersionConflict
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Logs(ctx context.Context, id string) ([]AuditEntry, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_entries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	logs, err := p.auditFor(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if logs[id] == nil {
		return []AuditEntry{}, nil
	}
	return logs[id], nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, after *pagination.Cursor, limit int) ([]*Entry, error) {
	where := `(payer_id = $1 OR payee_id = $1)`
	args := []interface{}{partyID, limit}
	if after != nil {
		where += ` AND (created_at, id) < ($3, $4)`
		args = append(args, after.CreatedAt, after.ID)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_entries
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $2`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var (
		result []*Entry
		ids    []string
	)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	logs, err := p.auditFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, e := range result {
		e.AuditLog = logs[e.ID]
	}
	return result, nil
}

// auditFor loads the audit logs of several entries in one query.
func (p *PostgresStore) auditFor(ctx context.Context, ids []string) (map[string][]AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM escrow_audit_log
		WHERE entry_id = ANY($1) ORDER BY entry_id, seq ASC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string][]AuditEntry, len(ids))
	for rows.Next() {
		var (
			entryID string
			a       AuditEntry
			message sql.NullString
		)
		if err := rows.Scan(&entryID, &a.Seq, &a.Action, &a.Actor, &message, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Message = message.String
		result[entryID] = append(result[entryID], a)
	}
	return result, rows.Err()
}

func insertAudit(ctx context.Context, tx *sql.Tx, entryID string, a AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entryID, a.Seq, a.Action, a.Actor, nullString(a.Message), a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		status                     string
		itemType, itemID, itemName sql.NullString
		negotiationID, paymentRef  sql.NullString
		disputeReason, resolution  sql.NullString
		resolvedAt                 sql.NullTime
	)
	err := sc.Scan(
		&e.ID, &e.PayerID, &e.PayeeID, &e.Amount, &itemType, &itemID, &itemName,
		&negotiationID, &paymentRef, &status, &disputeReason, &resolution,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.ItemType = itemType.String
	e.ItemID = itemID.String
	e.ItemName = itemName.String
	e.NegotiationID = negotiationID.String
	e.PaymentRef = paymentRef.String
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
