package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidbz/markl/internal/domain"
)

// MockHistoryStore is a mock implementation of domain.HistoryStore.
type MockHistoryStore struct {
	mock.Mock
}

// NewMockHistoryStore creates a MockHistoryStore and asserts its expectations on cleanup.
func NewMockHistoryStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockHistoryStore {
	m := &MockHistoryStore{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// FetchRecentTurns provides a mock function.
func (m *MockHistoryStore) FetchRecentTurns(ctx context.Context, chatID int64, limit int) ([]domain.HistoryTurn, error) {
	args := m.Called(ctx, chatID, limit)

	var turns []domain.HistoryTurn
	if v := args.Get(0); v != nil {
		turns = v.([]domain.HistoryTurn)
	}

	return turns, args.Error(1)
}

// AppendTurn provides a mock function.
func (m *MockHistoryStore) AppendTurn(ctx context.Context, chatID int64, turn domain.HistoryTurn) error {
	args := m.Called(ctx, chatID, turn)
	return args.Error(0)
}

var _ domain.HistoryStore = (*MockHistoryStore)(nil)
