// Package ratelimit schedules outbound API calls against the upstream
// request budget: a minimum gap between job starts, a token reservoir
// refilled on a fixed interval, and per-job exponential backoff that
// honors server-advertised rate limit resets.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMinTime is the baseline gap between job starts.
	DefaultMinTime = 110 * time.Millisecond

	// The upstream ceiling is 3000 requests per 5 minutes; keep a
	// 100-token safety margin.
	DefaultReservoir      = 2900
	DefaultRefillInterval = 5 * time.Minute

	maxRetries = 5
)

// backoffLadder holds the retry delays: seeded at 250ms, each step
// multiplied by (retryCount+1)^1.5.
var backoffLadder = func() [maxRetries]time.Duration {
	var out [maxRetries]time.Duration
	d := 250.0
	for i := 0; i < maxRetries; i++ {
		out[i] = time.Duration(d) * time.Millisecond
		d *= math.Pow(float64(i+2), 1.5)
	}
	return out
}()

// RetryInfo is implemented by errors that carry upstream HTTP status and
// rate limit headers. Errors that do not implement it are treated as
// transient (network-level) and retried.
type RetryInfo interface {
	error
	// Retryable reports whether the request may be reattempted (429, 5xx).
	Retryable() bool
	// RateLimitReset returns the server-advertised reset time when the
	// response carried ratelimit-remaining: 0.
	RateLimitReset() (time.Time, bool)
}

type retryState struct {
	count int
}

// Scheduler is the process-wide outbound call scheduler.
type Scheduler struct {
	pacer    *rate.Limiter
	baseline time.Duration

	lk            sync.Mutex
	minTime       time.Duration
	reservoir     int
	reservoirSize int
	refillEvery   time.Duration
	lastRefill    time.Time

	retries map[string]*retryState
}

func NewScheduler(minTime time.Duration, reservoir int, refillEvery time.Duration) *Scheduler {
	return &Scheduler{
		pacer:         rate.NewLimiter(rate.Every(minTime), 1),
		baseline:      minTime,
		minTime:       minTime,
		reservoir:     reservoir,
		reservoirSize: reservoir,
		refillEvery:   refillEvery,
		lastRefill:    time.Now(),
		retries:       make(map[string]*retryState),
	}
}

func DefaultScheduler() *Scheduler {
	return NewScheduler(DefaultMinTime, DefaultReservoir, DefaultRefillInterval)
}

// SetMinTime adjusts the gap between job starts; used by the firehose
// driver to throttle resolver fan-out when the event rate is high.
func (s *Scheduler) SetMinTime(d time.Duration) {
	s.lk.Lock()
	s.minTime = d
	s.lk.Unlock()
	s.pacer.SetLimit(rate.Every(d))
}

func (s *Scheduler) MinTime() time.Duration {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.minTime
}

// Baseline returns the minTime the scheduler was constructed with.
func (s *Scheduler) Baseline() time.Duration {
	return s.baseline
}

// Submit runs fn under the scheduler's pacing and failure policy. It
// blocks until the job succeeds, is dropped after exhausting retries, or
// ctx is cancelled. Jobs with the same id share backoff state.
func (s *Scheduler) Submit(ctx context.Context, id string, fn func(context.Context) error) error {
	for {
		if err := s.reserve(ctx); err != nil {
			return err
		}
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			s.clear(id)
			return nil
		}

		delay, retry := s.failureDelay(id, err)
		if !retry {
			s.clear(id)
			return err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.clear(id)
			return ctx.Err()
		}
	}
}

// reserve takes a token from the reservoir, blocking until the next
// refill when it is empty.
func (s *Scheduler) reserve(ctx context.Context) error {
	for {
		s.lk.Lock()
		now := time.Now()
		for !s.lastRefill.Add(s.refillEvery).After(now) {
			s.lastRefill = s.lastRefill.Add(s.refillEvery)
			s.reservoir = s.reservoirSize
		}
		if s.reservoir > 0 {
			s.reservoir--
			s.lk.Unlock()
			return nil
		}
		wait := s.lastRefill.Add(s.refillEvery).Sub(now)
		s.lk.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// failureDelay implements the failure policy and returns how long to wait
// before rescheduling, or retry=false when the job should be dropped.
func (s *Scheduler) failureDelay(id string, err error) (time.Duration, bool) {
	var ri RetryInfo
	if errors.As(err, &ri) {
		if reset, ok := ri.RateLimitReset(); ok {
			// Server told us exactly when the budget returns; this does
			// not count against the retry budget.
			d := time.Until(reset)
			if d < 0 {
				d = 0
			}
			return d, true
		}
		if !ri.Retryable() {
			return 0, false
		}
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	st, ok := s.retries[id]
	if !ok {
		st = &retryState{}
		s.retries[id] = st
	}
	if st.count >= maxRetries {
		delete(s.retries, id)
		return 0, false
	}
	d := backoffLadder[st.count]
	st.count++
	return d, true
}

func (s *Scheduler) clear(id string) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.retries, id)
}
