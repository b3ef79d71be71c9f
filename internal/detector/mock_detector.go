package detector

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDetector is a mock implementation of Detector using testify/mock.
type MockDetector struct {
	mock.Mock
}

func (m *MockDetector) Score(ctx context.Context, text string) (float32, error) {
	args := m.Called(ctx, text)
	return float32(args.Get(0).(float64)), args.Error(1)
}
