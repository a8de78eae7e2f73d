package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/pkg/errors"
)

var ErrRateLimited = errors.New("status lookup rate limited")

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// LimitedSource caps status lookups per minute against one backend. A denied
// lookup surfaces as an error, which the watch loop counts as a failed poll.
type LimitedSource struct {
	next      StatusSource
	rl        RateLimiter
	backend   string
	perMinute int64
	clock     Clock
}

func NewLimitedSource(next StatusSource, rl RateLimiter, backend string, perMinute int64) *LimitedSource {
	return &LimitedSource{next: next, rl: rl, backend: backend, perMinute: perMinute, clock: RealClock{}}
}

func (s *LimitedSource) WithClock(c Clock) *LimitedSource {
	if c != nil {
		s.clock = c
	}
	return s
}

func (s *LimitedSource) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	if s.rl != nil && s.perMinute > 0 {
		minuteKey := fmt.Sprintf("rl:delivery-status:%s:%s", s.backend, s.clock.Now().UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, minuteKey, s.perMinute, 70*time.Second)
		if err != nil {
			return models.AcceptancePending, err
		}
		if !allowed {
			return models.AcceptancePending, errors.Wrapf(ErrRateLimited, "%d lookups this minute", n)
		}
	}
	return s.next.GetStatus(ctx, requestID)
}
