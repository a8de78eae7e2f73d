package messages

import "time"

const (
	WatchStart  = "start"
	WatchCancel = "cancel"
)

// WatchCommand goes from runner-api to runner-worker on the watch topic.
type WatchCommand struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	OrderID    string    `json:"order_id,omitempty"`
	TimeoutMS  int64     `json:"timeout_ms,omitempty"`
	IntervalMS int64     `json:"interval_ms,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// WatchOutcome goes back from runner-worker once a watch is over.
type WatchOutcome struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Outcome     string    `json:"outcome"`
	Polls       int       `json:"polls"`
	FailedPolls int       `json:"failed_polls"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	FinishedAt  time.Time `json:"finished_at"`

	Error *string `json:"error,omitempty"`
}
