package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps payments and balances in process memory behind a single
// mutex. Used when no database is configured and by tests; it honors the same
// exactly-once contract as the Postgres implementation, but only within one
// process.
type MemoryLedger struct {
	mu       sync.Mutex
	payments map[string]*PaymentRecord
	balances map[uuid.UUID]int64
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		payments: make(map[string]*PaymentRecord),
		balances: make(map[uuid.UUID]int64),
	}
}

// SetBalance creates or resets an account. Intended for seeding dev and test
// state.
func (l *MemoryLedger) SetBalance(userID uuid.UUID, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = tokens
}

// Balance returns the current balance and whether the account exists.
func (l *MemoryLedger) Balance(userID uuid.UUID) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	return b, ok
}

func (l *MemoryLedger) Record(_ context.Context, sessionID, provider string, userID uuid.UUID, tokens int64) error {
	if tokens <= 0 {
		return fmt.Errorf("tokens must be positive, got %d", tokens)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payments[sessionID]; ok {
		return nil
	}
	l.payments[sessionID] = &PaymentRecord{
		SessionID: sessionID,
		Provider:  provider,
		UserID:    userID,
		Tokens:    tokens,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	return nil
}

func (l *MemoryLedger) CompleteAndCredit(_ context.Context, sessionID string, userID uuid.UUID, tokens int64) (Result, error) {
	if tokens <= 0 {
		return Result{}, fmt.Errorf("tokens must be positive, got %d", tokens)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.payments[sessionID]
	if ok && rec.Status == StatusCompleted {
		return Result{AlreadyCompleted: true}, nil
	}
	if _, ok := l.balances[userID]; !ok {
		return Result{}, ErrUserNotFound
	}
	if rec == nil {
		rec = &PaymentRecord{
			SessionID: sessionID,
			UserID:    userID,
			Tokens:    tokens,
			CreatedAt: time.Now(),
		}
		l.payments[sessionID] = rec
	}
	rec.Status = StatusCompleted
	rec.CompletedAt = time.Now()
	l.balances[userID] += tokens
	return Result{NewBalance: l.balances[userID]}, nil
}
