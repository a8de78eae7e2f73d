package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/stretchr/testify/require"
)

// virtualClock jumps forward on every timer, so a watch loop runs instantly
// while still observing the schedule it would follow in real time.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *virtualClock) NewTimer(d time.Duration) Timer {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return firedTimer{ch: ch}
}

type firedTimer struct {
	ch chan time.Time
}

func (t firedTimer) C() <-chan time.Time { return t.ch }
func (t firedTimer) Stop() bool          { return false }

type step struct {
	status models.AcceptanceStatus
	err    error
}

type scriptedSource struct {
	mu    sync.Mutex
	clock *virtualClock
	steps []step
	slow  time.Duration
	at    []time.Duration
	start time.Time
}

func newScripted(clk *virtualClock, steps ...step) *scriptedSource {
	return &scriptedSource{clock: clk, steps: steps, start: clk.Now()}
}

func (s *scriptedSource) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = append(s.at, s.clock.Now().Sub(s.start))
	if s.slow > 0 {
		s.clock.Advance(s.slow)
	}
	i := len(s.at) - 1
	if i >= len(s.steps) {
		return models.AcceptancePending, nil
	}
	return s.steps[i].status, s.steps[i].err
}

func (s *scriptedSource) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.at)
}

func pending() step  { return step{status: models.AcceptancePending} }
func accepted() step { return step{status: models.AcceptanceAccepted} }
func rejected() step { return step{status: models.AcceptanceRejected} }
func failed(msg string) step {
	return step{status: models.AcceptancePending, err: errors.New(msg)}
}

type callbackCounter struct {
	success atomic.Int32
	failure atomic.Int32
}

func (c *callbackCounter) callbacks() Callbacks {
	return Callbacks{
		OnSuccess: func(models.WatchResult) { c.success.Add(1) },
		OnFailure: func(models.WatchResult) { c.failure.Add(1) },
	}
}

func watchVirtual(t *testing.T, interval, timeout time.Duration, steps ...step) (models.WatchResult, *scriptedSource, *callbackCounter) {
	t.Helper()
	clk := newVirtualClock()
	src := newScripted(clk, steps...)
	w := New(src).WithSettings(interval, timeout).WithClock(clk)

	cc := &callbackCounter{}
	h := w.Watch(context.Background(), "req-1", cc.callbacks())
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish")
	}
	return h.Result(), src, cc
}

func TestWatch_AcceptedOnThirdPoll(t *testing.T) {
	res, src, cc := watchVirtual(t, 5*time.Second, 15*time.Second, pending(), pending(), accepted())

	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	require.Equal(t, 15*time.Second, res.Elapsed)
	require.Equal(t, 3, res.Polls)
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, src.at)
	require.Equal(t, int32(1), cc.success.Load())
	require.Equal(t, int32(0), cc.failure.Load())
}

func TestWatch_AllPendingTimesOut(t *testing.T) {
	res, src, cc := watchVirtual(t, 5*time.Second, 15*time.Second, pending(), pending(), pending(), pending())

	require.Equal(t, models.OutcomeTimedOut, res.Outcome)
	require.Equal(t, 15*time.Second, res.Elapsed)
	require.Equal(t, 3, src.calls(), "no poll after the deadline")
	require.Equal(t, int32(0), cc.success.Load())
	require.Equal(t, int32(1), cc.failure.Load())
}

func TestWatch_RejectedOnFirstPoll(t *testing.T) {
	res, src, cc := watchVirtual(t, 5*time.Second, 120*time.Second, rejected())

	require.Equal(t, models.OutcomeRejected, res.Outcome)
	require.Equal(t, 5*time.Second, res.Elapsed)
	require.Equal(t, 1, src.calls())
	require.Equal(t, int32(0), cc.success.Load())
	require.Equal(t, int32(1), cc.failure.Load())
}

func TestWatch_FailedPollThenAccepted(t *testing.T) {
	res, src, cc := watchVirtual(t, 5*time.Second, 120*time.Second, failed("connection reset"), accepted())

	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	require.Equal(t, 10*time.Second, res.Elapsed)
	require.Equal(t, 2, src.calls())
	require.Equal(t, 1, res.FailedPolls)
	require.Equal(t, "connection reset", res.LastError)
	require.Equal(t, int32(1), cc.success.Load())
	require.Equal(t, int32(0), cc.failure.Load())
}

func TestWatch_FailuresDoNotExtendBudget(t *testing.T) {
	res, src, cc := watchVirtual(t, 5*time.Second, 15*time.Second, failed("a"), failed("b"), failed("c"), failed("d"))

	require.Equal(t, models.OutcomeTimedOut, res.Outcome)
	require.Equal(t, 15*time.Second, res.Elapsed)
	require.Equal(t, 3, src.calls())
	require.Equal(t, 3, res.FailedPolls)
	require.Equal(t, int32(1), cc.failure.Load())
}

func TestWatch_TimeoutBetweenTicks(t *testing.T) {
	res, src, _ := watchVirtual(t, 50*time.Second, 120*time.Second)

	require.Equal(t, models.OutcomeTimedOut, res.Outcome)
	require.Equal(t, 120*time.Second, res.Elapsed)
	require.Equal(t, []time.Duration{50 * time.Second, 100 * time.Second}, src.at)
}

func TestRun_SlowPollSkipsMissedTicks(t *testing.T) {
	clk := newVirtualClock()
	src := newScripted(clk, pending(), accepted())
	src.slow = 12 * time.Second
	w := New(src).WithSettings(5*time.Second, time.Minute).WithClock(clk)

	res := w.Run(context.Background(), "req-1")
	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	require.Equal(t, []time.Duration{5 * time.Second, 20 * time.Second}, src.at)
	require.Equal(t, 32*time.Second, res.Elapsed)
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingSource) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
	}
	<-s.release
	return models.AcceptanceAccepted, nil
}

func TestWatch_LateAnswerAfterCancelFiresNothing(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	w := New(src).WithSettings(10*time.Millisecond, time.Hour)

	cc := &callbackCounter{}
	h := w.Watch(context.Background(), "req-1", cc.callbacks())

	<-src.entered
	h.Cancel()
	close(src.release)

	res := h.Wait()
	require.Equal(t, models.OutcomeCancelled, res.Outcome)
	require.Equal(t, int32(0), cc.success.Load())
	require.Equal(t, int32(0), cc.failure.Load())
	require.Equal(t, int32(1), src.calls.Load())
}

func TestWatch_CancelBeforeFirstPoll(t *testing.T) {
	clk := newVirtualClock()
	src := newScripted(clk)
	w := New(src).WithSettings(time.Hour, 2*time.Hour)

	cc := &callbackCounter{}
	h := w.Watch(context.Background(), "req-1", cc.callbacks())
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not stop the watch")
	}
	require.Equal(t, models.OutcomeCancelled, h.Result().Outcome)
	require.Equal(t, 0, src.calls())
	require.Equal(t, int32(0), cc.failure.Load())
}

func TestWatch_ParentContextCancel(t *testing.T) {
	clk := newVirtualClock()
	src := newScripted(clk)
	w := New(src).WithSettings(time.Hour, 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	h := w.Watch(ctx, "req-1", Callbacks{})
	cancel()

	require.Eventually(t, func() bool {
		select {
		case <-h.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, models.OutcomeCancelled, h.Result().Outcome)
}

func TestWatch_NoPollAfterTerminal(t *testing.T) {
	res, src, cc := watchVirtual(t, time.Second, time.Minute, accepted(), rejected(), accepted())

	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	require.Equal(t, 1, src.calls())
	require.Equal(t, int32(1), cc.success.Load())
	require.Equal(t, int32(0), cc.failure.Load())
}

func TestWatcher_WithSettings(t *testing.T) {
	w := New(nil)
	require.Equal(t, DefaultInterval, w.Interval())
	require.Equal(t, DefaultTimeout, w.Timeout())

	w.WithSettings(0, -1)
	require.Equal(t, DefaultInterval, w.Interval())
	require.Equal(t, DefaultTimeout, w.Timeout())

	w.WithSettings(time.Second, time.Minute)
	require.Equal(t, time.Second, w.Interval())
	require.Equal(t, time.Minute, w.Timeout())
}
