package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-market-watch/ai"
	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/parser"
	"github.com/aluiziolira/go-market-watch/pipeline"
	"github.com/aluiziolira/go-market-watch/stealth"
)

// ErrTimeout indicates a bounded wait expired during a crawl step.
type ErrTimeout struct {
	Step string
	Err  error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout during %s: %w", e.Step, e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrBlocked indicates the site served an anti-automation defense.
type ErrBlocked struct {
	Kind stealth.Kind
}

func (e ErrBlocked) Error() string {
	return fmt.Sprintf("blocked: %s", e.Kind)
}

// ErrSessionCompromised indicates the site asked the session to re-validate.
// It is fatal for the task.
type ErrSessionCompromised struct {
	Signal string
}

func (e ErrSessionCompromised) Error() string {
	return fmt.Sprintf("session compromised: %s", e.Signal)
}

// ErrMalformed indicates a payload or model reply that could not be used.
type ErrMalformed struct {
	What string
	Err  error
}

func (e ErrMalformed) Error() string {
	return fmt.Errorf("malformed %s: %w", e.What, e.Err).Error()
}

func (e ErrMalformed) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var blocked ErrBlocked
	if errors.As(err, &blocked) {
		return "blocked"
	}
	var compromised ErrSessionCompromised
	if errors.As(err, &compromised) {
		return "session_compromised"
	}
	var malformed ErrMalformed
	if errors.As(err, &malformed) {
		return "malformed"
	}
	if errors.Is(err, pipeline.ErrStoreClosed) || errors.Is(err, pipeline.ErrNoLink) {
		return "persistence"
	}
	return "other"
}

// classifyError maps collaborator errors onto the crawl taxonomy.
func classifyError(step string, err error) error {
	if err == nil {
		return nil
	}
	var (
		timeout     ErrTimeout
		blocked     ErrBlocked
		compromised ErrSessionCompromised
		malformed   ErrMalformed
	)
	if errors.As(err, &timeout) || errors.As(err, &blocked) || errors.As(err, &compromised) || errors.As(err, &malformed) {
		return err
	}

	switch {
	case errors.Is(err, browser.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout{Step: step, Err: err}
	case errors.Is(err, parser.ErrInvalidPayload):
		return ErrMalformed{What: step + " payload", Err: err}
	case errors.Is(err, ai.ErrNoVerdict):
		return ErrMalformed{What: "ai verdict", Err: err}
	}
	return err
}
