package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type DocumentKind string

const (
	KindHumanize DocumentKind = "humanize"
	KindSolve    DocumentKind = "solve"
)

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusReady      DocumentStatus = "ready"
	StatusFailed     DocumentStatus = "failed"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrResultNotFound     = errors.New("result not found")
	ErrInsufficientTokens = errors.New("insufficient token balance")
)

type User struct {
	ID           uuid.UUID
	Email        string
	TokenBalance int64
	CreatedAt    time.Time
}

type Document struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Filename  string
	Kind      DocumentKind
	Status    DocumentStatus
	CreatedAt time.Time
}

// Chunk mirrors chunker.Chunk with its document binding. The id is the one the
// chunker generated so selections submitted later still correlate.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Index      int
	StartWord  int
	EndWord    int
	Text       string
}

// Result is the finished output for a document: rewritten (or solved) text
// plus the detector score and the chunk ids the detector still flags.
type Result struct {
	DocumentID      uuid.UUID
	Output          string
	DetectorScore   float32
	FlaggedChunkIDs []string
}

// Store defines the persistence contract shared by the gateway and workers.
type Store interface {
	CreateUser(ctx context.Context, email string) (User, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	// DebitTokens decrements the balance only when it covers amount, and
	// returns the remaining balance. ErrInsufficientTokens otherwise.
	DebitTokens(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)

	CreateDocument(ctx context.Context, userID uuid.UUID, filename string, kind DocumentKind) (Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error
	SaveChunks(ctx context.Context, docID uuid.UUID, chunks []Chunk) error
	ListChunks(ctx context.Context, docID uuid.UUID) ([]Chunk, error)
	SaveResult(ctx context.Context, res Result) error
	GetResult(ctx context.Context, docID uuid.UUID) (Result, error)
}
