package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProducer is a testify mock of runners.Producer.
type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	return m.Called(ctx, topic, key, value).Error(0)
}
