// Package mocks holds testify mocks for the domain collaborator interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidbz/markl/internal/domain"
)

// MockTransport is a mock implementation of domain.Transport.
type MockTransport struct {
	mock.Mock
}

// NewMockTransport creates a MockTransport and asserts its expectations on cleanup.
func NewMockTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransport {
	m := &MockTransport{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// SendChatAction provides a mock function.
func (m *MockTransport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	args := m.Called(ctx, chatID, action)
	return args.Error(0)
}

// SendText provides a mock function.
func (m *MockTransport) SendText(ctx context.Context, chatID int64, text string) error {
	args := m.Called(ctx, chatID, text)
	return args.Error(0)
}

var _ domain.Transport = (*MockTransport)(nil)
