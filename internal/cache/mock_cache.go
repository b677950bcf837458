package cache

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockCache is a mock implementation of the Cache interface for testing
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) bool {
	args := m.Called(ctx, key, dest)
	return args.Bool(0)
}

func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	m.Called(ctx, key, value, ttl)
}

func (m *MockCache) Delete(ctx context.Context, key string) {
	m.Called(ctx, key)
}

func (m *MockCache) DeletePrefix(ctx context.Context, prefix string) int {
	args := m.Called(ctx, prefix)
	return args.Int(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}
