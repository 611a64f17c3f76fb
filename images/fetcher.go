// Package images downloads listing images for AI analysis and removes them
// afterwards.
package images

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-market-watch/retry"
	"github.com/aluiziolira/go-market-watch/stealth"
)

const (
	imageAccept = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	siteReferer = "https://www.goofish.com/"
)

// Options configures a Fetcher.
type Options struct {
	Dir        string
	Retries    int
	RetryDelay time.Duration
	Timeout    time.Duration
	Rotator    *stealth.Rotator
	Transport  http.RoundTripper
	Sleep      retry.SleepFunc
	Logger     *slog.Logger
}

// Fetcher retrieves images outside the browser session, presenting a fresh
// random identity on every request.
type Fetcher struct {
	opts   Options
	logger *slog.Logger
}

// NewFetcher fills in defaults: ./images, 3s between retries, 20s timeout.
func NewFetcher(opts Options) *Fetcher {
	if opts.Dir == "" {
		opts.Dir = "images"
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Rotator == nil {
		opts.Rotator = stealth.NewRotator(nil, nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{opts: opts, logger: logger}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "unnamed"
	}
	return name
}

// TaskDir is the directory holding a task's images.
func (f *Fetcher) TaskDir(task string) string {
	return filepath.Join(f.opts.Dir, "task_images_"+sanitize(task))
}

// fileName derives a stable local name for the idx-th image of an item.
func fileName(itemID string, idx int, rawURL string) string {
	ext := ".jpg"
	if u, err := url.Parse(rawURL); err == nil {
		p := strings.TrimSuffix(u.Path, "_.heic")
		p = strings.TrimSuffix(p, ".heic")
		if e := strings.ToLower(path.Ext(p)); e != "" && len(e) <= 5 {
			ext = e
		}
	}
	return fmt.Sprintf("product_%s_%d%s", sanitize(itemID), idx+1, ext)
}

func (f *Fetcher) newCollector(errs *error) *colly.Collector {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.SetRequestTimeout(f.opts.Timeout)
	c.MaxBodySize = 20 << 20
	if f.opts.Transport != nil {
		c.WithTransport(f.opts.Transport)
	} else {
		c.WithTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   f.opts.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		})
	}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", f.opts.Rotator.Random())
		r.Headers.Set("Accept", imageAccept)
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		r.Headers.Set("Referer", siteReferer)
	})
	c.OnResponse(func(r *colly.Response) {
		target := r.Ctx.Get("path")
		if err := r.Save(target); err != nil {
			*errs = fmt.Errorf("save %s: %w", target, err)
		}
	})
	return c
}

// Download stores the item's images under the task directory and returns the
// local paths that are available. Existing files are reused. Individual
// failures are logged; the error is non-nil only if ctx is cancelled.
func (f *Fetcher) Download(ctx context.Context, task, itemID string, urls []string) ([]string, error) {
	dir := f.TaskDir(task)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}

	var saveErr error
	collector := f.newCollector(&saveErr)
	policy := retry.Policy{
		MaxAttempts: f.opts.Retries + 1,
		Backoff:     retry.Constant(f.opts.RetryDelay),
		Sleep:       f.opts.Sleep,
	}

	var paths []string
	for i, raw := range urls {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		if raw == "" {
			continue
		}
		target := filepath.Join(dir, fileName(itemID, i, raw))
		if info, err := os.Stat(target); err == nil && info.Size() > 0 {
			paths = append(paths, target)
			continue
		}

		err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
			saveErr = nil
			cctx := colly.NewContext()
			cctx.Put("path", target)
			if err := collector.Request(http.MethodGet, raw, nil, cctx, nil); err != nil {
				return err
			}
			return saveErr
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return paths, err
			}
			f.logger.Warn("image download failed",
				slog.String("item_id", itemID),
				slog.String("url", raw),
				slog.Any("error", err),
			)
			continue
		}
		paths = append(paths, target)
	}
	return paths, nil
}

// Remove deletes the given files, ignoring ones already gone.
func (f *Fetcher) Remove(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Debug("remove image failed", slog.String("path", p), slog.Any("error", err))
		}
	}
}

// Cleanup removes the task directory.
func (f *Fetcher) Cleanup(task string) error {
	if err := os.RemoveAll(f.TaskDir(task)); err != nil {
		return fmt.Errorf("cleanup task images: %w", err)
	}
	return nil
}
