// Package dispatcher runs runner acceptance watches on behalf of runner-api:
// it turns watch commands into watcher loops and publishes their outcomes.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/RunnerWatch/internal/broker/messages"
	"github.com/BearBump/RunnerWatch/internal/metrics"
	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/BearBump/RunnerWatch/internal/services/watcher"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Dispatcher struct {
	src      watcher.StatusSource
	producer Producer
	metrics  *metrics.Metrics
	clock    watcher.Clock

	topic string

	interval       time.Duration
	timeout        time.Duration
	maxTimeout     time.Duration
	concurrency    int
	publishRetries int
	publishBackoff time.Duration

	sem chan struct{}

	mu      sync.Mutex
	running map[string]*watcher.Handle
	wg      sync.WaitGroup

	startedAtUnixNano   int64
	lastCommandUnixNano atomic.Int64
	totalStarted        atomic.Int64
	totalDuplicates     atomic.Int64
	totalAccepted       atomic.Int64
	totalRejected       atomic.Int64
	totalTimedOut       atomic.Int64
	totalCancelled      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(src watcher.StatusSource, producer Producer, topic string) *Dispatcher {
	d := &Dispatcher{
		src:               src,
		producer:          producer,
		clock:             watcher.RealClock{},
		topic:             topic,
		interval:          watcher.DefaultInterval,
		timeout:           watcher.DefaultTimeout,
		maxTimeout:        10 * time.Minute,
		concurrency:       100,
		publishRetries:    10,
		publishBackoff:    150 * time.Millisecond,
		running:           make(map[string]*watcher.Handle),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
	d.sem = make(chan struct{}, d.concurrency)
	return d
}

func (d *Dispatcher) WithSettings(interval, timeout, maxTimeout time.Duration, concurrency int) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	if timeout > 0 {
		d.timeout = timeout
	}
	if maxTimeout > 0 {
		d.maxTimeout = maxTimeout
	}
	if concurrency > 0 {
		d.concurrency = concurrency
		d.sem = make(chan struct{}, concurrency)
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) WithClock(c watcher.Clock) *Dispatcher {
	if c != nil {
		d.clock = c
	}
	return d
}

func (d *Dispatcher) WithPublishRetry(attempts int, backoff time.Duration) *Dispatcher {
	if attempts > 0 {
		d.publishRetries = attempts
	}
	if backoff >= 0 {
		d.publishBackoff = backoff
	}
	return d
}

// HandleMessage decodes a watch command off the broker. Malformed commands
// are logged and dropped so they do not wedge the partition.
func (d *Dispatcher) HandleMessage(ctx context.Context, key, value []byte) error {
	var cmd messages.WatchCommand
	if err := json.Unmarshal(value, &cmd); err != nil {
		d.recordError(errors.Wrap(err, "decode watch command"))
		slog.Error("decode watch command", "key", string(key), "error", err.Error())
		return nil
	}
	if err := d.HandleCommand(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return err
		}
		d.recordError(err)
		slog.Error("handle watch command", "id", cmd.ID, "kind", cmd.Kind, "error", err.Error())
	}
	return nil
}

func (d *Dispatcher) HandleCommand(ctx context.Context, cmd messages.WatchCommand) error {
	d.lastCommandUnixNano.Store(time.Now().UTC().UnixNano())
	if cmd.ID == "" {
		return errors.Wrap(models.ErrInvalid, "command id is required")
	}

	switch cmd.Kind {
	case messages.WatchStart:
		return d.start(ctx, cmd)
	case messages.WatchCancel:
		d.cancel(cmd.ID)
		return nil
	default:
		return errors.Wrapf(models.ErrInvalid, "unknown command kind %q", cmd.Kind)
	}
}

func (d *Dispatcher) start(ctx context.Context, cmd messages.WatchCommand) error {
	if cmd.RequestID == "" {
		return errors.Wrap(models.ErrInvalid, "request_id is required")
	}
	if d.isRunning(cmd.ID) {
		d.totalDuplicates.Add(1)
		slog.Info("watch already running", "id", cmd.ID, "request_id", cmd.RequestID)
		return nil
	}

	// a full pool holds the consumer back instead of queueing in memory
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// time spent waiting for a slot comes out of the budget too
	timeout := d.timeoutFor(cmd)
	if timeout <= 0 {
		<-d.sem
		d.expire(ctx, cmd)
		return nil
	}

	d.mu.Lock()
	if _, ok := d.running[cmd.ID]; ok {
		d.mu.Unlock()
		<-d.sem
		d.totalDuplicates.Add(1)
		return nil
	}

	w := watcher.New(d.src).
		WithSettings(d.intervalFor(cmd), timeout).
		WithClock(d.clock)

	publish := func(res models.WatchResult) { d.publishOutcome(ctx, cmd.ID, res) }
	h := w.Watch(ctx, cmd.RequestID, watcher.Callbacks{OnSuccess: publish, OnFailure: publish})
	d.running[cmd.ID] = h
	d.mu.Unlock()

	d.totalStarted.Add(1)
	d.inFlight.Add(1)
	d.metrics.WatchStarted()
	slog.Info("watch started", "id", cmd.ID, "request_id", cmd.RequestID, "interval", w.Interval().String(), "timeout", w.Timeout().String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := h.Wait()

		d.mu.Lock()
		delete(d.running, cmd.ID)
		d.mu.Unlock()
		<-d.sem

		d.inFlight.Add(-1)
		d.countOutcome(res.Outcome)
		d.metrics.WatchFinished(string(res.Outcome), res.Polls, res.FailedPolls, res.Elapsed)
		slog.Info("watch finished", "id", cmd.ID, "request_id", res.RequestID, "outcome", string(res.Outcome), "polls", res.Polls)
	}()
	return nil
}

// expire reports a command whose budget ran out while it sat in the topic.
// No status lookup is made.
func (d *Dispatcher) expire(ctx context.Context, cmd messages.WatchCommand) {
	now := d.clock.Now()
	res := models.WatchResult{
		RequestID:  cmd.RequestID,
		Outcome:    models.OutcomeTimedOut,
		Elapsed:    now.Sub(cmd.IssuedAt),
		FinishedAt: now,
		LastError:  "watch budget spent before the command was handled",
	}
	d.countOutcome(res.Outcome)
	d.metrics.WatchFinished(string(res.Outcome), 0, 0, res.Elapsed)
	slog.Warn("watch command expired in the topic", "id", cmd.ID, "request_id", cmd.RequestID, "issued_at", cmd.IssuedAt)
	d.publishOutcome(ctx, cmd.ID, res)
}

func (d *Dispatcher) cancel(id string) {
	d.mu.Lock()
	h, ok := d.running[id]
	d.mu.Unlock()
	if !ok {
		slog.Info("cancel for unknown watch", "id", id)
		return
	}
	h.Cancel()
}

func (d *Dispatcher) isRunning(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

// Wait blocks until every started watch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) intervalFor(cmd messages.WatchCommand) time.Duration {
	if cmd.IntervalMS > 0 {
		return time.Duration(cmd.IntervalMS) * time.Millisecond
	}
	return d.interval
}

// timeoutFor is the budget left for cmd, counted from when it was issued.
// Zero or less means the budget is already spent.
func (d *Dispatcher) timeoutFor(cmd messages.WatchCommand) time.Duration {
	t := d.timeout
	if cmd.TimeoutMS > 0 {
		t = time.Duration(cmd.TimeoutMS) * time.Millisecond
	}
	if t > d.maxTimeout {
		t = d.maxTimeout
	}
	if !cmd.IssuedAt.IsZero() {
		if waited := d.clock.Now().Sub(cmd.IssuedAt); waited > 0 {
			t -= waited
		}
	}
	return t
}

func (d *Dispatcher) publishOutcome(ctx context.Context, id string, res models.WatchResult) {
	msg := messages.WatchOutcome{
		ID:          id,
		RequestID:   res.RequestID,
		Outcome:     string(res.Outcome),
		Polls:       res.Polls,
		FailedPolls: res.FailedPolls,
		ElapsedMS:   res.Elapsed.Milliseconds(),
		FinishedAt:  res.FinishedAt.UTC(),
	}
	if res.LastError != "" {
		e := res.LastError
		msg.Error = &e
	}

	b, err := json.Marshal(msg)
	if err != nil {
		d.recordError(errors.Wrap(err, "marshal watch outcome"))
		return
	}

	// the outcome must survive shutdown of the consumer that started the watch
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var pubErr error
	for i := 0; i < d.publishRetries; i++ {
		if pubErr = d.producer.Publish(pctx, d.topic, []byte(id), b); pubErr == nil {
			return
		}
		time.Sleep(time.Duration(i+1) * d.publishBackoff)
	}
	d.recordError(errors.Wrap(pubErr, "publish watch outcome"))
	slog.Error("publish watch outcome", "id", id, "request_id", res.RequestID, "error", pubErr.Error())
}

func (d *Dispatcher) countOutcome(o models.Outcome) {
	switch o {
	case models.OutcomeAccepted:
		d.totalAccepted.Add(1)
	case models.OutcomeRejected:
		d.totalRejected.Add(1)
	case models.OutcomeTimedOut:
		d.totalTimedOut.Add(1)
	case models.OutcomeCancelled:
		d.totalCancelled.Add(1)
	}
}

func (d *Dispatcher) recordError(err error) {
	d.totalErrors.Add(1)
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}

type Stats struct {
	StartedAt       time.Time  `json:"startedAt"`
	LastCommandAt   *time.Time `json:"lastCommandAt,omitempty"`
	TotalStarted    int64      `json:"totalStarted"`
	TotalDuplicates int64      `json:"totalDuplicates"`
	TotalAccepted   int64      `json:"totalAccepted"`
	TotalRejected   int64      `json:"totalRejected"`
	TotalTimedOut   int64      `json:"totalTimedOut"`
	TotalCancelled  int64      `json:"totalCancelled"`
	TotalErrors     int64      `json:"totalErrors"`
	InFlight        int64      `json:"inFlight"`
	LastError       string     `json:"lastError,omitempty"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{
		StartedAt:       time.Unix(0, d.startedAtUnixNano).UTC(),
		TotalStarted:    d.totalStarted.Load(),
		TotalDuplicates: d.totalDuplicates.Load(),
		TotalAccepted:   d.totalAccepted.Load(),
		TotalRejected:   d.totalRejected.Load(),
		TotalTimedOut:   d.totalTimedOut.Load(),
		TotalCancelled:  d.totalCancelled.Load(),
		TotalErrors:     d.totalErrors.Load(),
		InFlight:        d.inFlight.Load(),
	}
	if n := d.lastCommandUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCommandAt = &t
	}
	d.lastErrorMu.Lock()
	st.LastError = d.lastError
	d.lastErrorMu.Unlock()
	return st
}

// Settings are the effective defaults, exposed on the worker's /config.
type Settings struct {
	IntervalSeconds   float64 `json:"intervalSeconds"`
	TimeoutSeconds    float64 `json:"timeoutSeconds"`
	MaxTimeoutSeconds float64 `json:"maxTimeoutSeconds"`
	Concurrency       int     `json:"concurrency"`
	Topic             string  `json:"topic"`
}

func (d *Dispatcher) Settings() Settings {
	return Settings{
		IntervalSeconds:   d.interval.Seconds(),
		TimeoutSeconds:    d.timeout.Seconds(),
		MaxTimeoutSeconds: d.maxTimeout.Seconds(),
		Concurrency:       d.concurrency,
		Topic:             d.topic,
	}
}
