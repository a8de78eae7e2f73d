package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
)

// FakeClient stands in for the delivery backend when no base URL is configured.
// Status is deterministic per request id: roughly half accept, a fifth reject,
// the rest never leave pending.
type FakeClient struct {
	seq atomic.Uint64
}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) CreateRequest(ctx context.Context, in models.DeliveryRequestInput) (models.DeliveryRequest, error) {
	n := f.seq.Add(1)
	return models.DeliveryRequest{
		RequestID: fmt.Sprintf("fake-%s-%d", in.OrderID, n),
		OrderID:   in.OrderID,
		RunnerID:  in.RunnerID,
		StoreID:   in.StoreID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeClient) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	switch v := h.Sum32() % 10; {
	case v < 5:
		return models.AcceptanceAccepted, nil
	case v < 7:
		return models.AcceptanceRejected, nil
	default:
		return models.AcceptancePending, nil
	}
}
