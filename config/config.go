package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aluiziolira/go-market-watch/stealth"
)

// APIPatterns are URL fragments that identify intercepted site responses.
type APIPatterns struct {
	Search      string
	Detail      string
	UserHead    string
	UserItems   string
	UserRatings string
}

// Selectors locate the few page controls the crawler touches.
type Selectors struct {
	SortNewest   string
	SortLatest   string
	PersonalOnly string
	MinPrice     string
	MaxPrice     string
	NextPage     string
	AdClose      string
	RatingTab    string
	BlockWidgets []string
}

// AIConfig selects the model endpoint and verdict loop settings.
type AIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	ResponseFormat string // "", json_object or json_schema
	EnableThinking bool
	MaxAttempts    int
	MaxTokens      int
	Timeout        time.Duration
	Debug          bool
}

// NotifyConfig lists the alert channels. Empty values disable a channel.
type NotifyConfig struct {
	NtfyTopicURL   string
	WebhookURL     string
	WebhookMethod  string
	WebhookHeaders map[string]string
	AWSRegion      string
	SNSTopicARN    string
	SESFrom        string
	SESTo          []string
	MaxAttempts    int
	RetryDelay     time.Duration
}

// Enabled reports whether any channel is configured.
func (n NotifyConfig) Enabled() bool {
	return n.NtfyTopicURL != "" || n.WebhookURL != "" || n.SNSTopicARN != "" || (n.SESFrom != "" && len(n.SESTo) > 0)
}

// Config holds crawler configuration.
type Config struct {
	TasksFile string
	OnlyTask  string

	StateFile      string
	Headless       bool
	BrowserBin     string
	ProxyURL       string
	AcceptLanguage string

	SearchURL  string
	ProfileURL string // fmt pattern taking the seller id
	APIs       APIPatterns
	Selectors  Selectors

	NavigationTimeout time.Duration
	SearchTimeout     time.Duration
	FilterTimeout     time.Duration
	DetailTimeout     time.Duration
	ProfileTimeout    time.Duration
	ScrollTimeout     time.Duration
	WidgetTimeout     time.Duration
	MaxScrollRounds   int

	Delays                 map[stealth.Category]stealth.Interval
	Detector               stealth.DetectorConfig
	CompromisedCooldownMin time.Duration
	CompromisedCooldownMax time.Duration
	ProfileCacheSize       int

	OutputDir    string
	OutputFormat string // jsonl or dual
	ImageDir     string
	ImageRetries int

	SkipAI bool
	AI     AIConfig
	Notify NotifyConfig

	DebugLimit  int
	Verbose     bool
	MetricsAddr string
}

// DefaultConfig returns defaults tuned for the marketplace web client.
func DefaultConfig() *Config {
	return &Config{
		TasksFile: "config.yaml",

		StateFile:      "xianyu_state.json",
		Headless:       true,
		AcceptLanguage: "zh-CN,zh;q=0.9",

		SearchURL:  "https://www.goofish.com/search",
		ProfileURL: "https://www.goofish.com/personal?userId=%s",
		APIs: APIPatterns{
			Search:      "h5api.m.goofish.com/h5/mtop.taobao.idlemtopsearch.pc.search",
			Detail:      "h5api.m.goofish.com/h5/mtop.taobao.idle.pc.detail",
			UserHead:    "mtop.idle.web.user.page.head",
			UserItems:   "mtop.idle.web.xyh.item.list",
			UserRatings: "mtop.idle.web.trade.rate.list",
		},
		Selectors: Selectors{
			SortNewest:   "text=新发布",
			SortLatest:   "text=最新",
			PersonalOnly: "text=个人闲置",
			MinPrice:     "xpath=(//div[contains(@class,'search-price-input-container')]//input)[1]",
			MaxPrice:     "xpath=(//div[contains(@class,'search-price-input-container')]//input)[2]",
			NextPage:     "[class*='search-pagination-arrow-right']:not([disabled])",
			AdClose:      "div[class*='closeIconBg']",
			RatingTab:    "xpath=//div[text()='信用及评价']/ancestor::li",
			BlockWidgets: []string{"div.baxia-dialog-mask", "div.J_MIDDLEWARE_FRAME_WIDGET"},
		},

		NavigationTimeout: 60 * time.Second,
		SearchTimeout:     30 * time.Second,
		FilterTimeout:     15 * time.Second,
		DetailTimeout:     25 * time.Second,
		ProfileTimeout:    15 * time.Second,
		ScrollTimeout:     8 * time.Second,
		WidgetTimeout:     3 * time.Second,
		MaxScrollRounds:   200,

		Delays:                 stealth.DefaultIntervals(),
		Detector:               stealth.DefaultDetectorConfig(),
		CompromisedCooldownMin: 300 * time.Second,
		CompromisedCooldownMax: 600 * time.Second,
		ProfileCacheSize:       256,

		OutputDir:    "jsonl",
		OutputFormat: "jsonl",
		ImageDir:     "images",
		ImageRetries: 2,

		AI: AIConfig{
			Model:       "gpt-4o-mini",
			MaxAttempts: 3,
			MaxTokens:   4000,
			Timeout:     120 * time.Second,
		},
		Notify: NotifyConfig{
			WebhookMethod: "POST",
			MaxAttempts:   3,
			RetryDelay:    2 * time.Second,
		},
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.TasksFile == "" {
		return fmt.Errorf("tasks file cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}
	if err := validURL("search URL", c.SearchURL); err != nil {
		return err
	}
	if !strings.Contains(c.ProfileURL, "%s") {
		return fmt.Errorf("profile URL must contain a %%s placeholder for the seller id")
	}
	if c.ProxyURL != "" {
		if err := validURL("proxy URL", c.ProxyURL); err != nil {
			return err
		}
	}
	if c.APIs.Search == "" || c.APIs.Detail == "" {
		return fmt.Errorf("search and detail API patterns are required")
	}

	for name, d := range map[string]time.Duration{
		"navigation timeout": c.NavigationTimeout,
		"search timeout":     c.SearchTimeout,
		"filter timeout":     c.FilterTimeout,
		"detail timeout":     c.DetailTimeout,
		"profile timeout":    c.ProfileTimeout,
		"scroll timeout":     c.ScrollTimeout,
		"widget timeout":     c.WidgetTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	for cat, iv := range c.Delays {
		if iv.Min < 0 || iv.Max < 0 {
			return fmt.Errorf("delay %q cannot be negative", cat)
		}
	}

	if c.Detector.Threshold <= 0 {
		return fmt.Errorf("block threshold must be positive")
	}
	if c.Detector.CooldownUnit < 0 || c.Detector.CooldownCap < 0 {
		return fmt.Errorf("block cooldown cannot be negative")
	}
	if c.CompromisedCooldownMin < 0 || c.CompromisedCooldownMax < 0 {
		return fmt.Errorf("session cooldown cannot be negative")
	}
	if c.ProfileCacheSize <= 0 {
		return fmt.Errorf("profile cache size must be positive")
	}

	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.OutputFormat != "jsonl" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be jsonl or dual")
	}
	if c.ImageRetries < 0 {
		return fmt.Errorf("image retries cannot be negative")
	}
	if c.DebugLimit < 0 {
		return fmt.Errorf("debug limit cannot be negative")
	}

	if !c.SkipAI {
		if c.AI.Model == "" {
			return fmt.Errorf("AI model is required unless AI analysis is skipped")
		}
		if c.AI.BaseURL != "" {
			if err := validURL("AI base URL", c.AI.BaseURL); err != nil {
				return err
			}
		}
		switch c.AI.ResponseFormat {
		case "", "json_object", "json_schema":
		default:
			return fmt.Errorf("AI response format must be empty, json_object or json_schema")
		}
		if c.AI.MaxAttempts <= 0 {
			return fmt.Errorf("AI max attempts must be positive")
		}
	}

	if c.Notify.SNSTopicARN != "" || c.Notify.SESFrom != "" {
		if c.Notify.AWSRegion == "" {
			return fmt.Errorf("AWS region is required for SNS or SES notifications")
		}
	}
	if c.Notify.SESFrom != "" && len(c.Notify.SESTo) == 0 {
		return fmt.Errorf("SES notifications need at least one recipient")
	}
	return nil
}

func validURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
