package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealbroker/internal/pagination"
)

// PostgresStore persists negotiations and their ledgers in PostgreSQL.
//
// The derived columns on negotiations are a cache of DeriveState over
// negotiation_entries, refreshed in the same transaction as every append.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, item_type, item_id, initiator_id, counterparty_id,
	original_price, current_offer, last_actor_id, counter_offer_count, state,
	initiator_archived, counterparty_archived, version, created_at, updated_at`

const entryColumns = `id, negotiation_id, seq, sender, actor_id, action_type,
	amount, message, created_at`

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation, first *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO negotiations (
			id, item_type, item_id, initiator_id, counterparty_id,
			original_price, current_offer, last_actor_id, counter_offer_count, state,
			initiator_archived, counterparty_archived, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		n.ID, string(n.ItemType), n.ItemID, n.InitiatorID, n.CounterpartyID,
		n.OriginalPrice, n.CurrentOffer, n.LastActorID, n.CounterOfferCount, string(n.State),
		n.InitiatorArchived, n.CounterpartyArchived, n.Version, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := insertEntry(ctx, tx, first); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Negotiation, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`, id)

	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (p *PostgresStore) Entries(ctx context.Context, id string) ([]*Entry, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM negotiations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM negotiation_entries
		WHERE negotiation_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Append(ctx context.Context, n *Negotiation, e *Entry, expectedVersion int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE negotiations SET
			current_offer = $1, last_actor_id = $2, counter_offer_count = $3,
			state = $4, version = $5, updated_at = $6
		WHERE id = $7 AND version = $8 AND state NOT IN ('accepted', 'rejected')`,
		n.CurrentOffer, n.LastActorID, n.CounterOfferCount,
		string(n.State), n.Version, n.UpdatedAt,
		n.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return p.appendRejection(ctx, tx, n.ID)
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrVersionConflict
		}
		return err
	}
	return tx.Commit()
}

// appendRejection explains why a guarded UPDATE matched no row.
func (p *PostgresStore) appendRejection(ctx context.Context, tx *sql.Tx, id string) error {
	var state string
	err := tx.QueryRowContext(ctx, `SELECT state FROM negotiations WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if State(state).IsTerminal() {
		return ErrNegotiationClosed
	}
	return ErrVersionConflict
}

func (p *PostgresStore) SetArchived(ctx context.Context, id string, side Sender) error {
	var column string
	switch side {
	case SenderInitiator:
		column = "initiator_archived"
	case SenderCounterparty:
		column = "counterparty_archived"
	default:
		return ErrUnauthorized
	}
	// column is one of two constants above.
	result, err := p.db.ExecContext(ctx,
		`UPDATE negotiations SET `+column+` = TRUE WHERE id = $1`, id) // #nosec G202
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListForParty(ctx context.Context, partyID string, role Role, after *pagination.Cursor, limit int) ([]*Negotiation, error) {
	var where string
	switch role {
	case RoleInitiator:
		where = `initiator_id = $1 AND NOT initiator_archived`
	case RoleCounterparty:
		where = `counterparty_id = $1 AND NOT counterparty_archived`
	default:
		where = `((initiator_id = $1 AND NOT initiator_archived)
			OR (counterparty_id = $1 AND NOT counterparty_archived))`
	}

	args := []interface{}{partyID, limit}
	if after != nil {
		where += ` AND (created_at, id) < ($3, $4)`
		args = append(args, after.CreatedAt, after.ID)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT $2`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanNegotiations(rows)
}

func (p *PostgresStore) ListIdle(ctx context.Context, idleSince time.Time, limit int) ([]*Negotiation, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations
		WHERE state IN ('pending', 'counter_offered') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, idleSince, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanNegotiations(rows)
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var amount decimal.NullDecimal
	if e.Amount != nil {
		amount = decimal.NullDecimal{Decimal: *e.Amount, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO negotiation_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.NegotiationID, e.Seq, string(e.Sender), e.ActorID, string(e.ActionType),
		amount, nullStr(e.Message), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNegotiation(sc scanner) (*Negotiation, error) {
	n := &Negotiation{}
	var (
		itemType    string
		state       string
		lastActorID sql.NullString
	)
	err := sc.Scan(
		&n.ID, &itemType, &n.ItemID, &n.InitiatorID, &n.CounterpartyID,
		&n.OriginalPrice, &n.CurrentOffer, &lastActorID, &n.CounterOfferCount, &state,
		&n.InitiatorArchived, &n.CounterpartyArchived, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ItemType = ItemType(itemType)
	n.State = State(state)
	n.LastActorID = lastActorID.String
	return n, nil
}

func scanNegotiations(rows *sql.Rows) ([]*Negotiation, error) {
	var result []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		sender     string
		actionType string
		amount     decimal.NullDecimal
		message    sql.NullString
	)
	err := sc.Scan(
		&e.ID, &e.NegotiationID, &e.Seq, &sender, &e.ActorID, &actionType,
		&amount, &message, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Sender = Sender(sender)
	e.ActionType = ActionType(actionType)
	e.Message = message.String
	if amount.Valid {
		a := amount.Decimal
		e.Amount = &a
	}
	return e, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
