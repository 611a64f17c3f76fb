// Package notify pushes alerts for recommended listings to the configured
// channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/retry"
)

// Payload is the alert content.
type Payload struct {
	Title  string `json:"title"`
	Price  string `json:"price"`
	Reason string `json:"reason"`
	Link   string `json:"link"`
}

// FromRecord builds the payload for a persisted record.
func FromRecord(rec *models.Record) Payload {
	p := Payload{
		Title: rec.Listing.Title,
		Price: rec.Listing.Price,
		Link:  rec.Listing.Link,
	}
	if rec.Verdict != nil {
		p.Reason = rec.Verdict.Reason
	}
	return p
}

// Subject is a short headline for channels that have one.
func (p Payload) Subject() string {
	title := p.Title
	if r := []rune(title); len(r) > 30 {
		title = string(r[:30]) + "..."
	}
	return "🚨 新推荐! " + title
}

// Message is the plain-text body shared by all channels.
func (p Payload) Message() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "价格: %s\n", p.Price)
	fmt.Fprintf(&sb, "原因: %s\n", p.Reason)
	fmt.Fprintf(&sb, "链接: %s", p.Link)
	return sb.String()
}

// Notifier delivers a payload on one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, p Payload) error
}

// Multi fans a payload out to every channel, retrying each independently.
type Multi struct {
	notifiers []Notifier
	policy    retry.Policy
	logger    *slog.Logger
}

// NewMulti wraps notifiers. A zero policy means 3 attempts, 2s apart.
func NewMulti(policy retry.Policy, logger *slog.Logger, notifiers ...Notifier) *Multi {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Backoff == nil {
		policy.Backoff = retry.Constant(2 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{notifiers: notifiers, policy: policy, logger: logger}
}

// Len returns the number of configured channels.
func (m *Multi) Len() int {
	if m == nil {
		return 0
	}
	return len(m.notifiers)
}

// Notify sends p to all channels and joins their failures.
func (m *Multi) Notify(ctx context.Context, p Payload) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		err := m.policy.Do(ctx, func(ctx context.Context, attempt int) error {
			return n.Notify(ctx, p)
		})
		if err != nil {
			m.logger.Warn("notification failed", slog.String("channel", n.Name()), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		m.logger.Info("notification sent", slog.String("channel", n.Name()), slog.String("link", p.Link))
	}
	return errors.Join(errs...)
}
