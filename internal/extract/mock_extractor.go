package extract

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockExtractor is a mock implementation of Extractor using testify/mock.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, ref, mediaType string) (Result, error) {
	args := m.Called(ctx, ref, mediaType)
	return args.Get(0).(Result), args.Error(1)
}
