package llm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockGenerator is a mock implementation of Generator using testify/mock.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, query string, passages []Passage) (Generation, error) {
	args := m.Called(ctx, query, passages)
	return args.Get(0).(Generation), args.Error(1)
}
