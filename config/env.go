package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, fmt.Errorf("%s: %w", key, err)
	}
	return b, true, nil
}

// EnvDuration accepts Go durations ("90s") or a bare number of seconds.
func EnvDuration(key string) (time.Duration, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), true, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return d, true, nil
}

// EnvList splits a comma separated value, dropping empty entries.
func EnvList(key string) ([]string, bool) {
	v, ok := EnvString(key)
	if !ok {
		return nil, false
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, len(out) > 0
}

// LoadDotEnv loads the given files (".env" when none) into the process
// environment without overriding variables that are already set. Missing
// files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides c with values from the environment.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"STATE_FILE":         &c.StateFile,
		"BROWSER_BIN":        &c.BrowserBin,
		"PROXY_URL":          &c.ProxyURL,
		"OUTPUT_DIR":         &c.OutputDir,
		"OUTPUT_FORMAT":      &c.OutputFormat,
		"IMAGE_DIR":          &c.ImageDir,
		"METRICS_ADDR":       &c.MetricsAddr,
		"OPENAI_BASE_URL":    &c.AI.BaseURL,
		"OPENAI_API_KEY":     &c.AI.APIKey,
		"OPENAI_MODEL_NAME":  &c.AI.Model,
		"AI_RESPONSE_FORMAT": &c.AI.ResponseFormat,
		"NTFY_TOPIC_URL":     &c.Notify.NtfyTopicURL,
		"WEBHOOK_URL":        &c.Notify.WebhookURL,
		"WEBHOOK_METHOD":     &c.Notify.WebhookMethod,
		"AWS_REGION":         &c.Notify.AWSRegion,
		"SNS_TOPIC_ARN":      &c.Notify.SNSTopicARN,
		"SES_FROM":           &c.Notify.SESFrom,
	}
	for key, dst := range strs {
		if v, ok := EnvString(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"RUN_HEADLESS":     &c.Headless,
		"SKIP_AI_ANALYSIS": &c.SkipAI,
		"AI_DEBUG_MODE":    &c.AI.Debug,
		"ENABLE_THINKING":  &c.AI.EnableThinking,
	}
	for key, dst := range bools {
		v, ok, err := EnvBool(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = v
		}
	}

	if v, ok, err := EnvInt("AI_MAX_TOKENS"); err != nil {
		return err
	} else if ok {
		c.AI.MaxTokens = v
	}
	if v, ok, err := EnvDuration("AI_TIMEOUT"); err != nil {
		return err
	} else if ok {
		c.AI.Timeout = v
	}
	if v, ok := EnvList("SES_TO"); ok {
		c.Notify.SESTo = v
	}
	if v, ok := EnvList("WEBHOOK_HEADERS"); ok {
		headers := make(map[string]string, len(v))
		for _, kv := range v {
			name, value, found := strings.Cut(kv, ":")
			if !found {
				return fmt.Errorf("WEBHOOK_HEADERS: %q is not name:value", kv)
			}
			headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
		c.Notify.WebhookHeaders = headers
	}
	return nil
}
