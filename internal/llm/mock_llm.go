package llm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of Client using testify/mock.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Rewrite(ctx context.Context, text, styleSample string) (string, error) {
	args := m.Called(ctx, text, styleSample)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Solve(ctx context.Context, question string) (string, error) {
	args := m.Called(ctx, question)
	return args.String(0), args.Error(1)
}
