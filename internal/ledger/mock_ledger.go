package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockLedger is a mock implementation of Ledger using testify/mock.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Record(ctx context.Context, sessionID, provider string, userID uuid.UUID, tokens int64) error {
	args := m.Called(ctx, sessionID, provider, userID, tokens)
	return args.Error(0)
}

func (m *MockLedger) CompleteAndCredit(ctx context.Context, sessionID string, userID uuid.UUID, tokens int64) (Result, error) {
	args := m.Called(ctx, sessionID, userID, tokens)
	return args.Get(0).(Result), args.Error(1)
}
