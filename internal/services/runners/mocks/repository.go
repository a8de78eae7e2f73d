package mocks

import (
	"context"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockRepository is a testify mock of runners.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) InsertRunnerRequest(ctx context.Context, r *models.RunnerRequest) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockRepository) GetRunnerRequest(ctx context.Context, id string) (*models.RunnerRequest, error) {
	args := m.Called(ctx, id)
	var r *models.RunnerRequest
	if v := args.Get(0); v != nil {
		r = v.(*models.RunnerRequest)
	}
	return r, args.Error(1)
}

func (m *MockRepository) ListRunnerRequestsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.RunnerRequest, error) {
	args := m.Called(ctx, orderID, limit, offset)
	var out []*models.RunnerRequest
	if v := args.Get(0); v != nil {
		out = v.([]*models.RunnerRequest)
	}
	return out, args.Error(1)
}

func (m *MockRepository) FinishRunnerRequest(ctx context.Context, f models.RunnerRequestFinish) (bool, error) {
	args := m.Called(ctx, f)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) ListWatching(ctx context.Context, createdBefore time.Time, limit int) ([]*models.RunnerRequest, error) {
	args := m.Called(ctx, createdBefore, limit)
	var out []*models.RunnerRequest
	if v := args.Get(0); v != nil {
		out = v.([]*models.RunnerRequest)
	}
	return out, args.Error(1)
}
