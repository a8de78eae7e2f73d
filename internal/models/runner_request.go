package models

import "time"

// RunnerRequestState is the persisted lifecycle of a runner request.
type RunnerRequestState string

const (
	RunnerRequestWatching  RunnerRequestState = "watching"
	RunnerRequestAccepted  RunnerRequestState = "accepted"
	RunnerRequestRejected  RunnerRequestState = "rejected"
	RunnerRequestTimedOut  RunnerRequestState = "timed_out"
	RunnerRequestCancelled RunnerRequestState = "cancelled"
)

// Final reports whether no further transitions are possible.
func (s RunnerRequestState) Final() bool {
	return s != RunnerRequestWatching
}

// StateForOutcome maps a watch outcome onto the persisted state.
func StateForOutcome(o Outcome) RunnerRequestState {
	switch o {
	case OutcomeAccepted:
		return RunnerRequestAccepted
	case OutcomeRejected:
		return RunnerRequestRejected
	case OutcomeTimedOut:
		return RunnerRequestTimedOut
	default:
		return RunnerRequestCancelled
	}
}

type RunnerRequest struct {
	ID         string             `json:"id"`
	RequestID  string             `json:"requestId"`
	OrderID    string             `json:"orderId"`
	StoreID    string             `json:"storeId"`
	RunnerID   string             `json:"runnerId"`
	PickupLat  float64            `json:"pickupLat"`
	PickupLng  float64            `json:"pickupLng"`
	DropoffLat float64            `json:"dropoffLat"`
	DropoffLng float64            `json:"dropoffLng"`
	DistanceKm float64            `json:"distanceKm"`
	EtaMinutes int                `json:"etaMinutes"`
	State      RunnerRequestState `json:"state"`
	Polls      int                `json:"polls"`
	LastError  *string            `json:"lastError,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	FinishedAt *time.Time         `json:"finishedAt,omitempty"`
}

type RunnerRequestCreateInput struct {
	OrderID    string
	StoreID    string
	RunnerID   string
	PickupLat  float64
	PickupLng  float64
	DropoffLat float64
	DropoffLng float64
}

// RunnerRequestFinish is applied once, when a watch reaches a final state.
type RunnerRequestFinish struct {
	ID         string
	State      RunnerRequestState
	Polls      int
	LastError  *string
	FinishedAt time.Time
}
