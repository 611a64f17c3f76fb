// Package ai runs the bounded verdict loop against an LLM completion service:
// request, repair, validate, retry.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/retry"
)

// ErrNoVerdict is returned when no attempt produced a parseable object.
var ErrNoVerdict = errors.New("ai: no verdict could be parsed")

// errInvalidVerdict marks an attempt whose object failed validation.
var errInvalidVerdict = errors.New("ai: verdict failed validation")

// Request is one completion call.
type Request struct {
	Prompt      string
	ImageURLs   []string
	Temperature float64
	MaxTokens   int
}

// Completer sends a completion request and returns the raw text reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Options tunes the verdict loop.
type Options struct {
	MaxAttempts int
	// Temperatures is indexed by attempt-1; the last value repeats.
	Temperatures []float64
	MaxTokens    int
	Backoff      retry.BackoffFunc
	Sleep        retry.SleepFunc
	Logger       *slog.Logger
	// Debug logs raw completions.
	Debug bool
}

// DefaultOptions returns 3 attempts at temperature 0.1 then 0.05.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		Temperatures: []float64{0.1, 0.05},
		MaxTokens:    4000,
		Backoff:      retry.Constant(2 * time.Second),
	}
}

// Analyzer produces verdicts for records.
type Analyzer struct {
	completer Completer
	validator *Validator
	opts      Options
	logger    *slog.Logger
}

// NewAnalyzer wires a completer with the verdict validator.
func NewAnalyzer(completer Completer, opts Options) (*Analyzer, error) {
	defaults := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if len(opts.Temperatures) == 0 {
		opts.Temperatures = defaults.Temperatures
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaults.MaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	return &Analyzer{completer: completer, validator: validator, opts: opts, logger: logger}, nil
}

func (a *Analyzer) temperature(attempt int) float64 {
	i := attempt - 1
	if i >= len(a.opts.Temperatures) {
		i = len(a.opts.Temperatures) - 1
	}
	return a.opts.Temperatures[i]
}

// Analyze asks for a verdict on record. A verdict that still fails validation
// on the last attempt is returned with Valid=false. ErrNoVerdict is returned
// when the last attempt produced nothing parseable.
func (a *Analyzer) Analyze(ctx context.Context, record *models.Record, imagePaths []string, instructions string) (*models.Verdict, error) {
	prompt, err := BuildPrompt(record, instructions)
	if err != nil {
		return nil, err
	}
	images := a.encodeImages(imagePaths)
	logger := a.logger.With(slog.String("item_id", record.Listing.ItemID))

	var (
		best       map[string]any
		bestErrs   []string
		attempts   int
		lastFailed error
	)
	policy := retry.Policy{
		MaxAttempts: a.opts.MaxAttempts,
		Backoff:     a.opts.Backoff,
		Sleep:       a.opts.Sleep,
		OnRetry: func(attempt int, err error) {
			logger.Warn("ai attempt failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
		},
	}
	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		best, bestErrs = nil, nil
		text, err := a.completer.Complete(ctx, Request{
			Prompt:      prompt,
			ImageURLs:   images,
			Temperature: a.temperature(attempt),
			MaxTokens:   a.opts.MaxTokens,
		})
		if err != nil {
			lastFailed = err
			return fmt.Errorf("completion: %w", err)
		}
		if a.opts.Debug {
			logger.Debug("ai raw response", slog.Int("attempt", attempt), slog.String("text", text))
		}

		obj, stage, err := ParseObject(text)
		if err != nil {
			lastFailed = err
			return err
		}
		errs, err := a.validator.Validate(obj)
		if err != nil {
			return retry.Permanent(err)
		}
		best, bestErrs = obj, errs
		if len(errs) > 0 {
			logger.Debug("ai verdict invalid", slog.Int("attempt", attempt), slog.Any("violations", errs))
			return errInvalidVerdict
		}
		logger.Debug("ai verdict parsed", slog.Int("attempt", attempt), slog.String("stage", string(stage)))
		return nil
	})

	if err == nil {
		return newVerdict(best, nil, attempts), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if best != nil {
		logger.Warn("ai verdict failed validation after all attempts",
			slog.Int("attempts", attempts),
			slog.Any("violations", bestErrs),
		)
		return newVerdict(best, bestErrs, attempts), nil
	}
	if lastFailed == nil {
		lastFailed = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrNoVerdict, attempts, lastFailed)
}

func newVerdict(obj map[string]any, violations []string, attempts int) *models.Verdict {
	v := &models.Verdict{
		PromptVersion:    obj["prompt_version"],
		Valid:            len(violations) == 0,
		ValidationErrors: violations,
		Attempts:         attempts,
	}
	v.IsRecommended, _ = obj["is_recommended"].(bool)
	v.Reason, _ = obj["reason"].(string)
	if tags, ok := obj["risk_tags"].([]any); ok {
		for _, t := range tags {
			if s, ok := t.(string); ok {
				v.RiskTags = append(v.RiskTags, s)
			}
		}
	}
	v.CriteriaAnalysis, _ = obj["criteria_analysis"].(map[string]any)
	return v
}

// BuildPrompt renders the instructions followed by the record as JSON.
func BuildPrompt(record *models.Record, instructions string) (string, error) {
	view := *record
	view.Verdict = nil
	view.AnalysisError = ""
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode record for prompt: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(instructions))
	sb.WriteString("\n\nAnalyse the following listing data:\n```json\n")
	sb.Write(data)
	sb.WriteString("\n```\nReply with exactly one JSON object.")
	return sb.String(), nil
}

func (a *Analyzer) encodeImages(paths []string) []string {
	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			a.logger.Warn("skipping unreadable image", slog.String("path", p), slog.Any("error", err))
			continue
		}
		ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(p)))
		if ctype == "" {
			ctype = "image/jpeg"
		}
		urls = append(urls, "data:"+ctype+";base64,"+base64.StdEncoding.EncodeToString(data))
	}
	return urls
}
