// Package stealth holds the anti-detection helpers used by the crawler:
// randomized delays, client identity rotation and block detection.
package stealth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aluiziolira/go-market-watch/retry"
)

// Category names a kind of externally visible action. Every wait the crawler
// performs is drawn from the interval configured for its category.
type Category string

const (
	Navigation    Category = "navigation"
	PageLoad      Category = "page_load"
	Click         Category = "click"
	Filter        Category = "filter"
	Pagination    Category = "pagination"
	APIWait       Category = "api_wait"
	DetailAPI     Category = "detail_api"
	Profile       Category = "profile"
	ItemProcess   Category = "item_process"
	PageClose     Category = "page_close"
	PageBetween   Category = "page_between"
	Retry         Category = "retry"
	ErrorRecovery Category = "error_recovery"
	Default       Category = "default"
)

// Interval is an inclusive range for a uniformly drawn delay. A reversed
// interval is accepted and treated as if its bounds were swapped.
type Interval struct {
	Min time.Duration
	Max time.Duration
}

func (iv Interval) normalized() Interval {
	if iv.Min > iv.Max {
		return Interval{Min: iv.Max, Max: iv.Min}
	}
	return iv
}

func seconds(lo, hi float64) Interval {
	return Interval{
		Min: time.Duration(lo * float64(time.Second)),
		Max: time.Duration(hi * float64(time.Second)),
	}
}

// DefaultIntervals returns the production delay table.
func DefaultIntervals() map[Category]Interval {
	return map[Category]Interval{
		Navigation:    seconds(6, 12),
		PageLoad:      seconds(3, 6),
		Click:         seconds(1, 3),
		Filter:        seconds(5, 10),
		Pagination:    seconds(25, 50),
		APIWait:       seconds(4, 9),
		DetailAPI:     seconds(5, 11),
		Profile:       seconds(4, 8),
		ItemProcess:   seconds(15, 35),
		PageClose:     seconds(3, 6),
		PageBetween:   seconds(25, 50),
		Retry:         seconds(10, 20),
		ErrorRecovery: seconds(30, 60),
		Default:       seconds(2, 5),
	}
}

// Scheduler draws per-category delays and performs the waits.
type Scheduler struct {
	intervals map[Category]Interval
	sleep     retry.SleepFunc
	logger    *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSleep replaces the real sleeper, mostly for tests.
func WithSleep(fn retry.SleepFunc) SchedulerOption {
	return func(s *Scheduler) { s.sleep = fn }
}

// WithRand fixes the random source.
func WithRand(r *rand.Rand) SchedulerOption {
	return func(s *Scheduler) { s.rng = r }
}

// WithLogger sets the logger used for wait traces.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler builds a scheduler. Categories missing from intervals fall back
// to the Default entry, and then to the built-in table.
func NewScheduler(intervals map[Category]Interval, opts ...SchedulerOption) *Scheduler {
	merged := DefaultIntervals()
	for c, iv := range intervals {
		merged[c] = iv
	}
	s := &Scheduler{
		intervals: merged,
		sleep:     retry.Sleep,
		logger:    slog.Default(),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the normalized interval used for c.
func (s *Scheduler) Interval(c Category) Interval {
	iv, ok := s.intervals[c]
	if !ok {
		iv = s.intervals[Default]
	}
	return iv.normalized()
}

// Delay draws a duration uniformly from the interval of c.
func (s *Scheduler) Delay(c Category) time.Duration {
	return s.Between(s.Interval(c))
}

// Between draws a duration uniformly from iv.
func (s *Scheduler) Between(iv Interval) time.Duration {
	iv = iv.normalized()
	span := int64(iv.Max - iv.Min)
	if span <= 0 {
		return iv.Min
	}
	s.mu.Lock()
	n := s.rng.Int64N(span + 1)
	s.mu.Unlock()
	return iv.Min + time.Duration(n)
}

// Wait suspends the caller for a delay drawn from c.
func (s *Scheduler) Wait(ctx context.Context, c Category) error {
	d := s.Delay(c)
	s.logger.Debug("delay", slog.String("category", string(c)), slog.Duration("duration", d))
	return s.sleep(ctx, d)
}

// Sleep suspends the caller for exactly d using the configured sleeper.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	return s.sleep(ctx, d)
}

// Backoff returns min(base * 2^(attempt-1), max) with +/-20% jitter applied.
func (s *Scheduler) Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	s.mu.Lock()
	factor := 0.8 + 0.4*s.rng.Float64()
	s.mu.Unlock()
	return time.Duration(float64(d) * factor)
}

// BackoffFunc adapts Backoff to a retry policy.
func (s *Scheduler) BackoffFunc(base, max time.Duration) retry.BackoffFunc {
	return func(attempt int) time.Duration {
		return s.Backoff(attempt, base, max)
	}
}
