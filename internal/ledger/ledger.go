package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status tracks a payment record through its state machine:
// pending -> completed. Completed is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ErrUserNotFound means the account to credit does not exist. Retrying the
// same call will not fix it, unlike storage errors.
var ErrUserNotFound = errors.New("user not found")

// PaymentRecord correlates a payment-provider session with the account it
// credits. SessionID is the idempotency key: providers deliver completion
// events at least once, so every mutation here is keyed and guarded by it.
type PaymentRecord struct {
	SessionID   string
	Provider    string
	UserID      uuid.UUID
	Tokens      int64
	Status      Status
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Result reports the outcome of CompleteAndCredit. NewBalance is only
// meaningful when AlreadyCompleted is false.
type Result struct {
	AlreadyCompleted bool
	NewBalance       int64
}

// Ledger converts at-least-once payment confirmations into exactly-once
// balance credits.
type Ledger interface {
	// Record registers a pending payment at checkout time. Calling it again
	// for the same session is a no-op.
	Record(ctx context.Context, sessionID, provider string, userID uuid.UUID, tokens int64) error

	// CompleteAndCredit marks the session completed and credits the user's
	// token balance, exactly once per session no matter how many times or how
	// concurrently it is invoked. Losers of the race observe
	// AlreadyCompleted=true and mutate nothing. A missing payment record is
	// fine: the session is inserted directly as completed, guarded by the
	// unique key. Storage failures propagate and leave nothing applied, so
	// callers retry the whole call.
	CompleteAndCredit(ctx context.Context, sessionID string, userID uuid.UUID, tokens int64) (Result, error)
}
