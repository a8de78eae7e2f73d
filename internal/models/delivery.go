package models

import (
	"errors"
	"strings"
	"time"
)

// AcceptanceStatus is what the delivery backend reports for a runner request.
type AcceptanceStatus string

const (
	AcceptancePending  AcceptanceStatus = "pending"
	AcceptanceAccepted AcceptanceStatus = "accepted"
	AcceptanceRejected AcceptanceStatus = "rejected"
)

// ParseAcceptanceStatus normalizes a backend status string.
// Anything that is not accepted/rejected is treated as pending.
func ParseAcceptanceStatus(s string) AcceptanceStatus {
	switch AcceptanceStatus(strings.ToLower(strings.TrimSpace(s))) {
	case AcceptanceAccepted:
		return AcceptanceAccepted
	case AcceptanceRejected:
		return AcceptanceRejected
	default:
		return AcceptancePending
	}
}

// Terminal reports whether the status ends a watch cycle.
func (s AcceptanceStatus) Terminal() bool {
	return s == AcceptanceAccepted || s == AcceptanceRejected
}

// Outcome is how a single watch cycle ended.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAccepted, OutcomeRejected, OutcomeTimedOut, OutcomeCancelled:
		return true
	}
	return false
}

// DeliveryRequest links an order to a candidate runner on the backend.
type DeliveryRequest struct {
	RequestID string
	OrderID   string
	RunnerID  string
	StoreID   string
	CreatedAt time.Time
}

// DeliveryRequestInput is what the merchant submits to the backend.
type DeliveryRequestInput struct {
	OrderID  string
	RunnerID string
	StoreID  string
}

// WatchResult summarizes one finished watch cycle.
type WatchResult struct {
	RequestID   string
	Outcome     Outcome
	Polls       int
	FailedPolls int
	Elapsed     time.Duration
	FinishedAt  time.Time
	LastError   string
}

var (
	ErrInvalid  = errors.New("invalid input")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
