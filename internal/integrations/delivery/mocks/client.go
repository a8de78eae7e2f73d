package mocks

import (
	"context"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of delivery.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateRequest(ctx context.Context, in models.DeliveryRequestInput) (models.DeliveryRequest, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(models.DeliveryRequest), args.Error(1)
}

func (m *MockClient) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	args := m.Called(ctx, requestID)
	return args.Get(0).(models.AcceptanceStatus), args.Error(1)
}
