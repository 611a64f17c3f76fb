package stealth

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-market-watch/retry"
)

// Kind classifies an anti-automation defense found on a page.
type Kind string

const (
	KindNone          Kind = "NONE"
	KindCaptcha       Kind = "CAPTCHA"
	KindRateLimit     Kind = "RATE_LIMIT"
	KindAccountFlag   Kind = "ACCOUNT_FLAG"
	KindLoginRequired Kind = "LOGIN_REQUIRED"
)

// Event is the outcome of a classification.
type Event struct {
	Kind        Kind
	Keyword     string
	Consecutive int
}

// Blocked reports whether the event is anything but KindNone.
func (e Event) Blocked() bool {
	return e.Kind != KindNone
}

// Signature is a keyword set for one block kind.
type Signature struct {
	Kind     Kind
	Keywords []string
}

// DefaultSignatures lists the block keywords in precedence order. The first
// matching signature wins.
func DefaultSignatures() []Signature {
	return []Signature{
		{Kind: KindCaptcha, Keywords: []string{"验证码", "验证", "baxia", "middleware", "slide", "滑块", "拖动", "captcha"}},
		{Kind: KindRateLimit, Keywords: []string{"访问异常", "访问频繁", "请稍候", "被限制", "被挤爆", "rgv587", "429", "too many requests", "rate limit"}},
		{Kind: KindAccountFlag, Keywords: []string{"已禁用", "用户异常", "账号", "风险", "安全", "异常"}},
		{Kind: KindLoginRequired, Keywords: []string{"请登录", "需要登录", "sign in", "login required"}},
	}
}

// DetectorConfig tunes the cooldown escalation.
type DetectorConfig struct {
	Threshold    int
	CooldownUnit time.Duration
	CooldownCap  time.Duration
	Signatures   []Signature
}

// DefaultDetectorConfig returns threshold 3, a 600s unit and a one hour cap.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold:    3,
		CooldownUnit: 600 * time.Second,
		CooldownCap:  3600 * time.Second,
		Signatures:   DefaultSignatures(),
	}
}

// BlockRecord is one entry of the detector history.
type BlockRecord struct {
	At          time.Time
	Kind        Kind
	Consecutive int
}

// Detector tracks consecutive blocks and escalates cooldowns. The counter only
// resets on OnSuccess.
type Detector struct {
	cfg    DetectorConfig
	sleep  retry.SleepFunc
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	consecutive int
	total       int
	history     []BlockRecord
}

// NewDetector builds a detector. A nil sleep uses retry.Sleep.
func NewDetector(cfg DetectorConfig, sleep retry.SleepFunc, logger *slog.Logger) *Detector {
	defaults := DefaultDetectorConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaults.Threshold
	}
	if cfg.CooldownUnit <= 0 {
		cfg.CooldownUnit = defaults.CooldownUnit
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = defaults.CooldownCap
	}
	if len(cfg.Signatures) == 0 {
		cfg.Signatures = defaults.Signatures
	}
	if sleep == nil {
		sleep = retry.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, sleep: sleep, logger: logger, now: time.Now}
}

// Classify matches content case-insensitively against the signatures in order.
// It does not change the detector state.
func (d *Detector) Classify(content string) Event {
	lowered := strings.ToLower(content)
	d.mu.Lock()
	consecutive := d.consecutive
	d.mu.Unlock()

	for _, sig := range d.cfg.Signatures {
		for _, kw := range sig.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				return Event{Kind: sig.Kind, Keyword: kw, Consecutive: consecutive}
			}
		}
	}
	return Event{Kind: KindNone, Consecutive: consecutive}
}

// Cooldown returns min(unit*counter, cap) for a given counter value.
func (d *Detector) Cooldown(counter int) time.Duration {
	c := d.cfg.CooldownUnit * time.Duration(counter)
	if c > d.cfg.CooldownCap {
		c = d.cfg.CooldownCap
	}
	return c
}

// OnBlocked records a block. Once the consecutive counter reaches the
// threshold it sleeps for the computed cooldown and returns it.
func (d *Detector) OnBlocked(ctx context.Context, kind Kind) (time.Duration, error) {
	d.mu.Lock()
	d.consecutive++
	d.total++
	counter := d.consecutive
	d.history = append(d.history, BlockRecord{At: d.now(), Kind: kind, Consecutive: counter})
	d.mu.Unlock()

	d.logger.Warn("block detected",
		slog.String("kind", string(kind)),
		slog.Int("consecutive", counter),
		slog.Int("threshold", d.cfg.Threshold),
	)

	if counter < d.cfg.Threshold {
		return 0, nil
	}
	cooldown := d.Cooldown(counter)
	d.logger.Warn("block threshold reached, cooling down",
		slog.Duration("cooldown", cooldown),
		slog.Int("consecutive", counter),
	)
	if err := d.sleep(ctx, cooldown); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}

// OnSuccess resets the consecutive counter.
func (d *Detector) OnSuccess() {
	d.mu.Lock()
	d.consecutive = 0
	d.mu.Unlock()
}

// Consecutive returns the current streak.
func (d *Detector) Consecutive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutive
}

// Total returns the number of blocks seen over the detector lifetime.
func (d *Detector) Total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// History returns a copy of the block history.
func (d *Detector) History() []BlockRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]BlockRecord, len(d.history))
	copy(out, d.history)
	return out
}
