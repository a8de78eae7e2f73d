package delivery

import (
	"context"

	"github.com/BearBump/RunnerWatch/internal/models"
)

// Client talks to the Tradeet delivery backend.
type Client interface {
	CreateRequest(ctx context.Context, in models.DeliveryRequestInput) (models.DeliveryRequest, error)
	GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error)
}
