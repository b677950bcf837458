package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateDocument(ctx context.Context, doc NewDocument) (Document, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (Document, error) {
	args := m.Called(ctx, ownerID, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockStore) ListDocumentIDs(ctx context.Context, ownerID string) ([]uuid.UUID, error) {
	args := m.Called(ctx, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *MockStore) ClaimForProcessing(ctx context.Context, id uuid.UUID) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) MarkReady(ctx context.Context, id uuid.UUID, update ReadyUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockStore) DeleteDocument(ctx context.Context, ownerID string, id uuid.UUID) error {
	args := m.Called(ctx, ownerID, id)
	return args.Error(0)
}
