package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimedOut is returned when no matching response arrives in time.
var ErrTimedOut = errors.New("browser: timed out waiting for response")

// ErrSubscriptionClosed is returned when the stream ends while waiting.
var ErrSubscriptionClosed = errors.New("browser: subscription closed")

// First waits for the next response on sub, bounded by timeout.
func First(ctx context.Context, sub *Subscription, timeout time.Duration) (Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r, ok := <-sub.C():
		if !ok {
			return Response{}, ErrSubscriptionClosed
		}
		return r, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Extractor parses one payload into items and reports whether more pages follow.
type Extractor[T any] func(body []byte) (items []T, more bool, err error)

// AccumulateOptions tunes Accumulate.
type AccumulateOptions struct {
	// Trigger asks the page for the next payload, typically by scrolling.
	// It runs after every payload that signals more data.
	Trigger func(ctx context.Context) error
	// Timeout bounds each wait for the next payload. Defaults to 8s.
	Timeout time.Duration
	// MaxRounds caps the number of payloads consumed. Defaults to 200.
	MaxRounds int
	Logger    *slog.Logger
}

// AccumulateResult describes why accumulation stopped.
type AccumulateResult struct {
	Rounds   int
	Signaled bool
	TimedOut bool
	Failed   bool
}

// Accumulate collects items from successive payloads on sub until a payload
// signals the end, a wait times out (the list is presumed exhausted), or a
// payload fails to parse (treated as exhausted). Only context cancellation is
// returned as an error; the items gathered so far are always returned.
func Accumulate[T any](ctx context.Context, sub *Subscription, opts AccumulateOptions, extract Extractor[T]) ([]T, AccumulateResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 200
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		items  []T
		result AccumulateResult
	)
	for result.Rounds < maxRounds {
		resp, err := First(ctx, sub, timeout)
		if err != nil {
			if errors.Is(err, ErrTimedOut) || errors.Is(err, ErrSubscriptionClosed) {
				result.TimedOut = true
				return items, result, nil
			}
			return items, result, err
		}
		result.Rounds++

		batch, more, err := extract(resp.Body)
		if err != nil {
			logger.Warn("accumulate: payload parse failed, stopping",
				slog.String("url", resp.URL),
				slog.Any("error", err),
			)
			result.Failed = true
			return items, result, nil
		}
		items = append(items, batch...)
		if !more {
			result.Signaled = true
			return items, result, nil
		}

		if opts.Trigger != nil {
			if err := opts.Trigger(ctx); err != nil {
				if ctx.Err() != nil {
					return items, result, ctx.Err()
				}
				logger.Debug("accumulate: trigger failed, stopping", slog.Any("error", err))
				return items, result, nil
			}
		}
	}
	logger.Debug("accumulate: round cap reached", slog.Int("rounds", result.Rounds))
	return items, result, nil
}
