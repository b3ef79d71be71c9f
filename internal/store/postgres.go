package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Advisory lock so concurrently starting services don't race the
	// migrations. Dedicated migration tooling run as a deploy step would
	// replace this in a larger setup.
	const lockID = 727150331

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another service is migrating; wait briefly and skip.
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			token_balance BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			user_id UUID REFERENCES users(id),
			filename TEXT,
			kind TEXT,
			status TEXT,
			created_at TIMESTAMPTZ DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			document_id UUID REFERENCES documents(id) ON DELETE CASCADE,
			ord INT,
			start_word INT,
			end_word INT,
			text TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			document_id UUID PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
			output TEXT,
			detector_score REAL,
			flagged_chunk_ids TEXT[]
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, email string) (User, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(id, email) VALUES($1, $2)`, id, email)
	if err != nil {
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return User{ID: id, Email: email, CreatedAt: time.Now()}, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT token_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) DebitTokens(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	var remaining int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET token_balance = token_balance - $1
		WHERE id = $2 AND token_balance >= $1
		RETURNING token_balance`, amount, userID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Zero rows is either a missing account or a balance too low; look
		// again to tell callers which.
		if _, err := s.GetBalance(ctx, userID); err != nil {
			return 0, err
		}
		return 0, ErrInsufficientTokens
	}
	if err != nil {
		return 0, fmt.Errorf("failed to debit tokens: %w", err)
	}
	return remaining, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, userID uuid.UUID, filename string, kind DocumentKind) (Document, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents(id, user_id, filename, kind, status) VALUES($1,$2,$3,$4,$5)`,
		id, userID, filename, kind, StatusProcessing)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, UserID: userID, Filename: filename, Kind: kind, Status: StatusProcessing, CreatedAt: time.Now()}, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, filename, kind, status, created_at FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.UserID, &doc.Filename, &doc.Kind, &doc.Status, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) SaveChunks(ctx context.Context, docID uuid.UUID, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx, `INSERT INTO chunks(id, document_id, ord, start_word, end_word, text) VALUES($1,$2,$3,$4,$5,$6)`,
			c.ID, docID, c.Index, c.StartWord, c.EndWord, c.Text)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListChunks(ctx context.Context, docID uuid.UUID) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ord, start_word, end_word, text FROM chunks WHERE document_id=$1 ORDER BY ord`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Index, &c.StartWord, &c.EndWord, &c.Text); err != nil {
			return nil, err
		}
		c.DocumentID = docID
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveResult(ctx context.Context, res Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results(document_id, output, detector_score, flagged_chunk_ids)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (document_id) DO UPDATE SET
			output=excluded.output,
			detector_score=excluded.detector_score,
			flagged_chunk_ids=excluded.flagged_chunk_ids`,
		res.DocumentID, res.Output, res.DetectorScore, pq.Array(res.FlaggedChunkIDs))
	return err
}

func (s *PostgresStore) GetResult(ctx context.Context, docID uuid.UUID) (Result, error) {
	res := Result{DocumentID: docID}
	var flagged []string
	row := s.db.QueryRowContext(ctx,
		`SELECT output, detector_score, flagged_chunk_ids FROM results WHERE document_id=$1`, docID)
	if err := row.Scan(&res.Output, &res.DetectorScore, pq.Array(&flagged)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, ErrResultNotFound
		}
		return Result{}, fmt.Errorf("failed to get result for doc %s: %w", docID, err)
	}
	res.FlaggedChunkIDs = flagged
	return res, nil
}
