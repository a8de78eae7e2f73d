package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/RunnerWatch/internal/broker/messages"
	"github.com/BearBump/RunnerWatch/internal/cache"
	"github.com/BearBump/RunnerWatch/internal/geo"
	"github.com/BearBump/RunnerWatch/internal/integrations/delivery"
	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	InsertRunnerRequest(ctx context.Context, r *models.RunnerRequest) error
	GetRunnerRequest(ctx context.Context, id string) (*models.RunnerRequest, error)
	ListRunnerRequestsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.RunnerRequest, error)
	FinishRunnerRequest(ctx context.Context, f models.RunnerRequestFinish) (bool, error)
	ListWatching(ctx context.Context, createdBefore time.Time, limit int) ([]*models.RunnerRequest, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Notifier interface {
	Publish(r *models.RunnerRequest)
}

// StoreProvider supplies the merchant's selected store when a request omits it.
type StoreProvider interface {
	StoreID() string
}

type Service struct {
	repo       Repository
	backend    delivery.Client
	producer   Producer
	watchTopic string

	cache      cache.BytesCache
	currentTTL time.Duration
	notifier   Notifier
	stores     StoreProvider

	watchInterval time.Duration
	watchTimeout  time.Duration
	expireGrace   time.Duration
	speedKmh      float64

	now   func() time.Time
	newID func() string
}

func New(repo Repository, backend delivery.Client, producer Producer, watchTopic string) *Service {
	return &Service{
		repo:         repo,
		backend:      backend,
		producer:     producer,
		watchTopic:   watchTopic,
		watchTimeout: 120 * time.Second,
		expireGrace:  30 * time.Second,
		speedKmh:     geo.DefaultRunnerSpeedKmh,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

func (s *Service) WithCache(c cache.BytesCache, currentTTL time.Duration) *Service {
	s.cache = c
	s.currentTTL = currentTTL
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithStoreProvider(p StoreProvider) *Service {
	s.stores = p
	return s
}

// WithWatchSettings sets what runner-api asks the worker for. Zero interval
// leaves the worker's default in place.
func (s *Service) WithWatchSettings(interval, timeout time.Duration, speedKmh float64) *Service {
	if interval > 0 {
		s.watchInterval = interval
	}
	if timeout > 0 {
		s.watchTimeout = timeout
	}
	if speedKmh > 0 {
		s.speedKmh = speedKmh
	}
	return s
}

// WithExpireGrace sets how long past its deadline a watching request waits
// for the worker's own outcome before ExpireOverdue closes it.
func (s *Service) WithExpireGrace(d time.Duration) *Service {
	if d > 0 {
		s.expireGrace = d
	}
	return s
}

func (s *Service) Create(ctx context.Context, in models.RunnerRequestCreateInput) (*models.RunnerRequest, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	in.RunnerID = strings.TrimSpace(in.RunnerID)
	in.StoreID = strings.TrimSpace(in.StoreID)
	if in.StoreID == "" && s.stores != nil {
		in.StoreID = s.stores.StoreID()
	}

	if in.OrderID == "" {
		return nil, errors.Wrap(models.ErrInvalid, "orderId is required")
	}
	if in.RunnerID == "" {
		return nil, errors.Wrap(models.ErrInvalid, "runnerId is required")
	}
	if in.StoreID == "" {
		return nil, errors.Wrap(models.ErrInvalid, "storeId is required")
	}
	pickup := geo.Point{Lat: in.PickupLat, Lng: in.PickupLng}
	dropoff := geo.Point{Lat: in.DropoffLat, Lng: in.DropoffLng}
	if !pickup.Valid() || !dropoff.Valid() {
		return nil, errors.Wrap(models.ErrInvalid, "coordinates out of range")
	}

	dr, err := s.backend.CreateRequest(ctx, models.DeliveryRequestInput{
		OrderID:  in.OrderID,
		RunnerID: in.RunnerID,
		StoreID:  in.StoreID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create delivery request")
	}
	if dr.RequestID == "" {
		return nil, errors.New("delivery backend returned empty request id")
	}

	km := geo.HaversineKm(pickup, dropoff)
	now := s.now()
	r := &models.RunnerRequest{
		ID:         s.newID(),
		RequestID:  dr.RequestID,
		OrderID:    in.OrderID,
		StoreID:    in.StoreID,
		RunnerID:   in.RunnerID,
		PickupLat:  in.PickupLat,
		PickupLng:  in.PickupLng,
		DropoffLat: in.DropoffLat,
		DropoffLng: in.DropoffLng,
		DistanceKm: km,
		EtaMinutes: geo.EstimateMinutes(km, s.speedKmh),
		State:      models.RunnerRequestWatching,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertRunnerRequest(ctx, r); err != nil {
		return nil, err
	}

	if err := s.publishStart(ctx, r, s.watchTimeout); err != nil {
		// nothing will ever watch this request, so close it instead of leaving it open
		msg := err.Error()
		if _, ferr := s.repo.FinishRunnerRequest(ctx, models.RunnerRequestFinish{
			ID:         r.ID,
			State:      models.RunnerRequestCancelled,
			LastError:  &msg,
			FinishedAt: s.now(),
		}); ferr != nil {
			slog.Error("close undispatched runner request", "id", r.ID, "error", ferr.Error())
		}
		return nil, err
	}

	s.storeCurrent(ctx, r)
	slog.Info("runner request created", "id", r.ID, "request_id", r.RequestID, "order_id", r.OrderID)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.RunnerRequest, error) {
	if id == "" {
		return nil, errors.Wrap(models.ErrInvalid, "id is required")
	}
	if s.cacheEnabled() {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var r models.RunnerRequest
			if json.Unmarshal(b, &r) == nil {
				return &r, nil
			}
		}
	}

	r, err := s.repo.GetRunnerRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.storeCurrent(ctx, r)
	return r, nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.RunnerRequest, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, errors.Wrap(models.ErrInvalid, "orderId is required")
	}
	return s.repo.ListRunnerRequestsByOrder(ctx, orderID, limit, offset)
}

// Cancel stops watching a request. Only requests that are still watching can
// be cancelled; anything else is a conflict.
func (s *Service) Cancel(ctx context.Context, id string) (*models.RunnerRequest, error) {
	if id == "" {
		return nil, errors.Wrap(models.ErrInvalid, "id is required")
	}
	cur, err := s.repo.GetRunnerRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State.Final() {
		return nil, errors.Wrapf(models.ErrConflict, "runner request is already %s", cur.State)
	}

	changed, err := s.repo.FinishRunnerRequest(ctx, models.RunnerRequestFinish{
		ID:         id,
		State:      models.RunnerRequestCancelled,
		Polls:      cur.Polls,
		FinishedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errors.Wrap(models.ErrConflict, "runner request finished concurrently")
	}

	cmd := messages.WatchCommand{
		Kind:      messages.WatchCancel,
		ID:        id,
		RequestID: cur.RequestID,
		OrderID:   cur.OrderID,
		IssuedAt:  s.now(),
	}
	if err := s.publish(ctx, id, cmd); err != nil {
		// the worker still reports an outcome later, ApplyOutcome drops it
		slog.Error("publish cancel command", "id", id, "error", err.Error())
	}

	return s.reload(ctx, id)
}

// ApplyOutcome records what the worker observed. Outcomes for requests that
// are no longer watching are ignored, so redelivery is harmless.
func (s *Service) ApplyOutcome(ctx context.Context, msg messages.WatchOutcome) error {
	if msg.ID == "" {
		return errors.Wrap(models.ErrInvalid, "id is required")
	}
	outcome := models.Outcome(msg.Outcome)
	if !outcome.Valid() {
		return errors.Wrapf(models.ErrInvalid, "unknown outcome %q", msg.Outcome)
	}
	finishedAt := msg.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}

	changed, err := s.repo.FinishRunnerRequest(ctx, models.RunnerRequestFinish{
		ID:         msg.ID,
		State:      models.StateForOutcome(outcome),
		Polls:      msg.Polls,
		LastError:  msg.Error,
		FinishedAt: finishedAt,
	})
	if err != nil {
		return err
	}
	if !changed {
		slog.Info("outcome for finished runner request ignored", "id", msg.ID, "outcome", msg.Outcome)
		return nil
	}

	if _, err := s.reload(ctx, msg.ID); err != nil {
		slog.Error("reload runner request", "id", msg.ID, "error", err.Error())
	}
	return nil
}

// HandleOutcomeMessage is the kafka handler for the outcome topic. Messages
// that can never be applied are dropped; storage errors are returned so the
// message is redelivered.
func (s *Service) HandleOutcomeMessage(ctx context.Context, key, value []byte) error {
	var msg messages.WatchOutcome
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("decode watch outcome", "key", string(key), "error", err.Error())
		return nil
	}
	err := s.ApplyOutcome(ctx, msg)
	if errors.Is(err, models.ErrInvalid) || errors.Is(err, models.ErrNotFound) {
		slog.Error("drop watch outcome", "id", msg.ID, "error", err.Error())
		return nil
	}
	return err
}

const watchingBatch = 500

// ResumeWatching republishes start commands for requests that were still
// watching when runner-api went down. Requests whose budget is already spent
// are closed as timed out instead.
func (s *Service) ResumeWatching(ctx context.Context) (int, error) {
	now := s.now()
	items, err := s.repo.ListWatching(ctx, now, watchingBatch)
	if err != nil {
		return 0, err
	}

	resumed, expired := 0, 0
	for _, r := range items {
		left := s.watchTimeout - now.Sub(r.CreatedAt)
		if left <= 0 {
			if _, err := s.expire(ctx, r, now, "watch was not resumed before its deadline"); err != nil {
				return resumed, err
			}
			expired++
			continue
		}
		if err := s.publishStart(ctx, r, left); err != nil {
			return resumed, err
		}
		resumed++
	}
	if len(items) > 0 {
		slog.Info("runner watches resumed", "resumed", resumed, "expired", expired)
	}
	return resumed, nil
}

// ExpireOverdue closes requests that are still watching well past their
// deadline, e.g. because the worker holding them went down. The worker
// normally reports timed_out itself within the grace period.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := now.Add(-s.watchTimeout - s.expireGrace)

	expired := 0
	for {
		items, err := s.repo.ListWatching(ctx, cutoff, watchingBatch)
		if err != nil {
			return expired, err
		}
		progress := false
		for _, r := range items {
			changed, err := s.expire(ctx, r, now, "no outcome reported before the deadline")
			if err != nil {
				return expired, err
			}
			if changed {
				expired++
				progress = true
			}
		}
		if len(items) < watchingBatch || !progress {
			break
		}
	}
	if expired > 0 {
		slog.Warn("overdue runner watches expired", "count", expired)
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, r *models.RunnerRequest, now time.Time, reason string) (bool, error) {
	changed, err := s.repo.FinishRunnerRequest(ctx, models.RunnerRequestFinish{
		ID:         r.ID,
		State:      models.RunnerRequestTimedOut,
		Polls:      r.Polls,
		LastError:  &reason,
		FinishedAt: now,
	})
	if err != nil {
		return false, err
	}
	if changed {
		if _, err := s.reload(ctx, r.ID); err != nil {
			slog.Error("reload runner request", "id", r.ID, "error", err.Error())
		}
	}
	return changed, nil
}

func (s *Service) publishStart(ctx context.Context, r *models.RunnerRequest, timeout time.Duration) error {
	cmd := messages.WatchCommand{
		Kind:      messages.WatchStart,
		ID:        r.ID,
		RequestID: r.RequestID,
		OrderID:   r.OrderID,
		TimeoutMS: timeout.Milliseconds(),
		IssuedAt:  s.now(),
	}
	if s.watchInterval > 0 {
		cmd.IntervalMS = s.watchInterval.Milliseconds()
	}
	return s.publish(ctx, r.ID, cmd)
}

func (s *Service) publish(ctx context.Context, id string, cmd messages.WatchCommand) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "marshal watch command")
	}
	if err := s.producer.Publish(ctx, s.watchTopic, []byte(id), b); err != nil {
		return errors.Wrapf(err, "publish %s command", cmd.Kind)
	}
	return nil
}

// reload reads the record back from storage, refreshes the cache and pushes
// it to live subscribers.
func (s *Service) reload(ctx context.Context, id string) (*models.RunnerRequest, error) {
	r, err := s.repo.GetRunnerRequest(ctx, id)
	if err != nil {
		if s.cacheEnabled() {
			_ = s.cache.Del(ctx, currentKey(id))
		}
		return nil, err
	}
	s.storeCurrent(ctx, r)
	if s.notifier != nil {
		s.notifier.Publish(r)
	}
	return r, nil
}

func (s *Service) storeCurrent(ctx context.Context, r *models.RunnerRequest) {
	if !s.cacheEnabled() {
		return
	}
	b, _ := json.Marshal(r)
	_ = s.cache.Set(ctx, currentKey(r.ID), b, s.currentTTL)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func currentKey(id string) string {
	return fmt.Sprintf("runner_request:%s:current", id)
}
