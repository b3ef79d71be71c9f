package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the ledger needs. Declared here so tests
// can substitute a pgxmock pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLedger implements Ledger on a pgx connection pool. The status
// transition and the balance increment run in one transaction; the unique key
// on session_id plus the status-conditioned update make duplicate and
// concurrent deliveries safe.
type PostgresLedger struct {
	db DB
}

func NewPostgres(db DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Migrate creates the payments table. The users table belongs to the store
// package; the ledger only updates its balance column.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS payments (
		session_id TEXT PRIMARY KEY,
		provider TEXT NOT NULL DEFAULT '',
		user_id UUID NOT NULL,
		tokens BIGINT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`)
	if err != nil {
		return fmt.Errorf("migrate payments: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Record(ctx context.Context, sessionID, provider string, userID uuid.UUID, tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("tokens must be positive, got %d", tokens)
	}
	_, err := l.db.Exec(ctx, `INSERT INTO payments(session_id, provider, user_id, tokens, status)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, provider, userID, tokens, StatusPending)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

func (l *PostgresLedger) CompleteAndCredit(ctx context.Context, sessionID string, userID uuid.UUID, tokens int64) (Result, error) {
	if tokens <= 0 {
		return Result{}, fmt.Errorf("tokens must be positive, got %d", tokens)
	}
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin credit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	won, err := completePayment(ctx, tx, sessionID, userID, tokens)
	if err != nil {
		return Result{}, err
	}
	if !won {
		return Result{AlreadyCompleted: true}, nil
	}

	var balance int64
	err = tx.QueryRow(ctx, `UPDATE users SET token_balance = token_balance + $1 WHERE id = $2 RETURNING token_balance`,
		tokens, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrUserNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("credit balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit credit tx: %w", err)
	}
	return Result{NewBalance: balance}, nil
}

// completePayment attempts the pending->completed transition and reports
// whether this call won it. Exactly one caller per session ever sees true:
// existing rows move via an update conditioned on the status just observed,
// missing rows via an insert guarded by the primary key, so a concurrent
// caller that got there first leaves zero rows affected either way.
func completePayment(ctx context.Context, tx pgx.Tx, sessionID string, userID uuid.UUID, tokens int64) (bool, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE session_id = $1`, sessionID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		tag, err := tx.Exec(ctx, `INSERT INTO payments(session_id, user_id, tokens, status, completed_at)
			VALUES($1, $2, $3, $4, now())
			ON CONFLICT (session_id) DO NOTHING`,
			sessionID, userID, tokens, StatusCompleted)
		if err != nil {
			return false, fmt.Errorf("insert completed payment: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	case err != nil:
		return false, fmt.Errorf("load payment: %w", err)
	case Status(status) == StatusCompleted:
		return false, nil
	default:
		tag, err := tx.Exec(ctx, `UPDATE payments SET status = $1, completed_at = now()
			WHERE session_id = $2 AND status = $3`,
			StatusCompleted, sessionID, status)
		if err != nil {
			return false, fmt.Errorf("complete payment: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}
}
