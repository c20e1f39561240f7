package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrownow/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. Messages live in a
// child table ordered by a sequence so concurrent appends never collide.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, title, description, amount, commission, currency,
			creator_id, creator_email, creator_role, partner_email, partner_id,
			status, inspection_period_days, dispute_reason, resolution,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17
		)`,
		tx.ID, tx.Title, tx.Description, tx.Amount, tx.Commission, tx.Currency,
		tx.CreatorID, tx.CreatorEmail, string(tx.CreatorRole), tx.PartnerEmail, nullString(tx.PartnerID),
		string(tx.Status), tx.InspectionPeriodDays, nullString(tx.DisputeReason), nullString(tx.Resolution),
		tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

const transactionColumns = `id, title, description, amount, commission, currency,
		       creator_id, creator_email, creator_role, partner_email, partner_id,
		       status, inspection_period_days, dispute_reason, resolution,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err != nil {
		return nil, notFoundOr(err)
	}
	if tx.Messages, err = p.messages(ctx, id); err != nil {
		return nil, err
	}
	return tx, nil
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*Transaction, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE transactions SET
			status         = $3,
			partner_id     = COALESCE($4, partner_id),
			dispute_reason = COALESCE($5, dispute_reason),
			resolution     = COALESCE($6, resolution),
			updated_at     = $7
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns,
		id, string(from), string(to),
		nullString(change.PartnerID), nullString(change.DisputeReason), nullString(change.Resolution),
		at,
	)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the row is gone or another writer moved the status first.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, notFoundOr(err)
		}
		if !exists {
			return nil, ErrTransactionNotFound
		}
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, notFoundOr(err)
	}
	if tx.Messages, err = p.messages(ctx, id); err != nil {
		return nil, err
	}
	return tx, nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transaction_messages (id, transaction_id, sender_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, id, msg.SenderID, msg.Text, msg.Timestamp,
	)
	return notFoundOr(err)
}

func (p *PostgresStore) ListByParty(ctx context.Context, who Identity, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		afterAt sql.NullTime
		afterID sql.NullString
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.CreatedAt, Valid: true}
		afterID = sql.NullString{String: after.ID, Valid: true}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE (creator_id = $1 OR partner_id = $1 OR (partner_id IS NULL AND partner_email = $2))
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3::TIMESTAMPTZ, $4::UUID))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`,
		who.ID, normalizeEmail(who.Email), afterAt, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) messages(ctx context.Context, id string) ([]Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sender_id, text, created_at FROM transaction_messages
		WHERE transaction_id = $1
		ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		result = append(result, m)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		role          string
		status        string
		partnerID     sql.NullString
		disputeReason sql.NullString
		resolution    sql.NullString
	)

	err := s.Scan(
		&tx.ID, &tx.Title, &tx.Description, &tx.Amount, &tx.Commission, &tx.Currency,
		&tx.CreatorID, &tx.CreatorEmail, &role, &tx.PartnerEmail, &partnerID,
		&status, &tx.InspectionPeriodDays, &disputeReason, &resolution,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.CreatorRole = Role(role)
	tx.Status = Status(status)
	tx.PartnerID = partnerID.String
	tx.DisputeReason = disputeReason.String
	tx.Resolution = resolution.String
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return tx, nil
}

// notFoundOr maps missing rows, dangling foreign keys and malformed ids to
// ErrTransactionNotFound and passes other errors through.
func notFoundOr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTransactionNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23503", "22P02": // foreign_key_violation, invalid_text_representation
			return ErrTransactionNotFound
		}
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
