// Package watcher resolves a runner delivery request to an outcome by polling
// the delivery backend until the runner accepts, rejects, or the time budget ends.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 120 * time.Second

	maxPollTimeout = 10 * time.Second
)

// StatusSource answers the acceptance status of a delivery request.
type StatusSource interface {
	GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error)
}

// Callbacks receive the terminal result of a watch. At most one of them is called,
// and never for a cancelled watch.
type Callbacks struct {
	OnSuccess func(models.WatchResult)
	OnFailure func(models.WatchResult)
}

type Watcher struct {
	src   StatusSource
	clock Clock

	interval time.Duration
	timeout  time.Duration
}

func New(src StatusSource) *Watcher {
	return &Watcher{
		src:      src,
		clock:    RealClock{},
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
	}
}

func (w *Watcher) WithSettings(interval, timeout time.Duration) *Watcher {
	if interval > 0 {
		w.interval = interval
	}
	if timeout > 0 {
		w.timeout = timeout
	}
	return w
}

func (w *Watcher) WithClock(c Clock) *Watcher {
	if c != nil {
		w.clock = c
	}
	return w
}

func (w *Watcher) Interval() time.Duration { return w.interval }
func (w *Watcher) Timeout() time.Duration  { return w.timeout }

// Handle controls a watch started by Watch.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result models.WatchResult
}

// Cancel stops polling and releases the timers. It does not wait for the loop
// to exit, so it is safe to call from inside a callback.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed after the loop exited and any callback returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the watch is over and returns its result.
func (h *Handle) Wait() models.WatchResult {
	<-h.done
	return h.Result()
}

// Result is the zero value until the watch is over.
func (h *Handle) Result() models.WatchResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Watch starts a watch cycle in the background.
func (w *Watcher) Watch(ctx context.Context, requestID string, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		res := w.Run(ctx, requestID)
		h.mu.Lock()
		h.result = res
		h.mu.Unlock()

		switch res.Outcome {
		case models.OutcomeAccepted:
			if cb.OnSuccess != nil {
				cb.OnSuccess(res)
			}
		case models.OutcomeRejected, models.OutcomeTimedOut:
			if cb.OnFailure != nil {
				cb.OnFailure(res)
			}
		}
	}()
	return h
}

// Run polls synchronously and returns once the watch reached a terminal state
// or ctx was cancelled. Polls are scheduled at start+k*interval; a poll due
// exactly at the deadline still runs before the timeout is declared.
func (w *Watcher) Run(ctx context.Context, requestID string) models.WatchResult {
	start := w.clock.Now()
	deadline := start.Add(w.timeout)
	res := models.WatchResult{RequestID: requestID}

	finish := func(o models.Outcome) models.WatchResult {
		now := w.clock.Now()
		res.Outcome = o
		res.Elapsed = now.Sub(start)
		res.FinishedAt = now
		return res
	}

	for k := 1; ; {
		next := start.Add(time.Duration(k) * w.interval)
		pollDue := !next.After(deadline)
		wake := next
		if !pollDue {
			wake = deadline
		}

		if !w.sleepUntil(ctx, wake) {
			return finish(models.OutcomeCancelled)
		}
		if !pollDue {
			return finish(models.OutcomeTimedOut)
		}

		res.Polls++
		st, err := w.poll(ctx, requestID)
		if ctx.Err() != nil {
			// a late answer for a cancelled watch is dropped
			return finish(models.OutcomeCancelled)
		}
		if err != nil {
			res.FailedPolls++
			res.LastError = err.Error()
			slog.Warn("runner status poll failed", "request_id", requestID, "poll", res.Polls, "error", err.Error())
		} else {
			switch st {
			case models.AcceptanceAccepted:
				return finish(models.OutcomeAccepted)
			case models.AcceptanceRejected:
				return finish(models.OutcomeRejected)
			}
		}

		now := w.clock.Now()
		if !now.Before(deadline) {
			return finish(models.OutcomeTimedOut)
		}
		// slow polls skip the ticks they overran
		k = int(now.Sub(start)/w.interval) + 1
	}
}

func (w *Watcher) poll(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	pt := w.interval
	if pt > maxPollTimeout {
		pt = maxPollTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, pt)
	defer cancel()
	return w.src.GetStatus(pctx, requestID)
}

func (w *Watcher) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(w.clock.Now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}
