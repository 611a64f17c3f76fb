package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodOptions configures the Chromium launch.
type RodOptions struct {
	Headless       bool
	BinPath        string
	ProxyURL       string
	AcceptLanguage string
	Logger         *slog.Logger
}

// RodBrowser launches Chromium through go-rod.
type RodBrowser struct {
	opts RodOptions
}

// NewRodBrowser returns a Browser backed by a local Chromium.
func NewRodBrowser(opts RodOptions) *RodBrowser {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AcceptLanguage == "" {
		opts.AcceptLanguage = "zh-CN,zh;q=0.9"
	}
	return &RodBrowser{opts: opts}
}

// Open launches a browser, connects to it and restores the saved cookies.
func (b *RodBrowser) Open(ctx context.Context, id Identity) (Session, error) {
	logger := b.opts.Logger

	bin := b.opts.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Context(ctx).
		Headless(b.opts.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled")
	if b.opts.ProxyURL != "" {
		l = l.Proxy(b.opts.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if id.StatePath != "" {
		cookies, err := LoadStateCookies(id.StatePath)
		if err != nil {
			_ = browser.Close()
			l.Kill()
			return nil, err
		}
		if err := browser.SetCookies(cookies); err != nil {
			_ = browser.Close()
			l.Kill()
			return nil, fmt.Errorf("restore cookies: %w", err)
		}
		logger.Debug("session cookies restored", slog.Int("count", len(cookies)))
	}

	logger.Info("browser started", slog.String("bin", bin), slog.Bool("headless", b.opts.Headless))
	return &rodSession{browser: browser, launcher: l, id: id, opts: b.opts}, nil
}

type rodSession struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	id       Identity
	opts     RodOptions

	closeOnce sync.Once
}

func (s *rodSession) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      s.id.UserAgent,
		AcceptLanguage: s.opts.AcceptLanguage,
	}); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("enable network events: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &rodPage{
		page:    page,
		hub:     NewHub(DefaultSubscriptionBuffer),
		logger:  s.opts.Logger,
		cancel:  cancel,
		pending: make(map[proto.NetworkRequestID]pendingResponse),
	}
	// The event subscription must exist before the caller navigates.
	wait := p.listen(listenCtx)
	go wait()
	return p, nil
}

func (s *rodSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.browser.Close()
		s.launcher.Kill()
		s.launcher.Cleanup()
	})
	return err
}

type pendingResponse struct {
	url    string
	status int
}

type rodPage struct {
	page   *rod.Page
	hub    *Hub
	logger *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[proto.NetworkRequestID]pendingResponse
}

// listen subscribes to network events and returns the loop that forwards
// finished responses some subscription wants to the hub. Bodies are only
// available once loading has finished.
func (p *rodPage) listen(ctx context.Context) func() {
	return p.page.Context(ctx).EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if !p.hub.Wants(e.Response.URL) {
				return
			}
			p.mu.Lock()
			p.pending[e.RequestID] = pendingResponse{url: e.Response.URL, status: e.Response.Status}
			p.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			p.mu.Lock()
			pr, ok := p.pending[e.RequestID]
			delete(p.pending, e.RequestID)
			p.mu.Unlock()
			if !ok {
				return
			}
			go p.fetchBody(ctx, e.RequestID, pr)
		},
	)
}

func (p *rodPage) fetchBody(ctx context.Context, id proto.NetworkRequestID, pr pendingResponse) {
	res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p.page.Context(ctx))
	if err != nil {
		p.logger.Debug("response body unavailable", slog.String("url", pr.url), slog.Any("error", err))
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(res.Body)
		if err != nil {
			p.logger.Debug("response body decode failed", slog.String("url", pr.url), slog.Any("error", err))
			return
		}
		body = decoded
	}
	p.hub.Publish(Response{URL: pr.url, Status: pr.status, Body: body})
}

func (p *rodPage) Subscribe(m Matcher) *Subscription {
	return p.hub.Subscribe(m)
}

func lifecycleEvent(wait WaitCondition) (proto.PageLifecycleEventName, bool) {
	switch wait {
	case WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded, true
	case WaitLoad:
		return proto.PageLifecycleEventNameLoad, true
	case WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle, true
	}
	return "", false
}

func (p *rodPage) Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	page := p.page.Context(navCtx)

	var waitFn func()
	if event, ok := lifecycleEvent(wait); ok {
		waitFn = page.WaitNavigation(event)
	}
	if err := page.Navigate(url); err != nil {
		return p.wrapTimeout(ctx, navCtx, fmt.Errorf("navigate %s: %w", url, err))
	}
	if waitFn != nil {
		waitFn()
	}
	if navCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: navigation to %s", ErrTimedOut, url)
	}
	return ctx.Err()
}

func (p *rodPage) wrapTimeout(parent, child context.Context, err error) error {
	if child.Err() != nil && parent.Err() == nil {
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	}
	return err
}

func (p *rodPage) element(page *rod.Page, selector string) (*rod.Element, error) {
	switch {
	case strings.HasPrefix(selector, "text="):
		return page.ElementX(textXPath(strings.TrimPrefix(selector, "text=")))
	case strings.HasPrefix(selector, "xpath="):
		return page.ElementX(strings.TrimPrefix(selector, "xpath="))
	}
	return page.Element(selector)
}

func textXPath(text string) string {
	return fmt.Sprintf("//*[normalize-space(text())='%s']", text)
}

func (p *rodPage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	clickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := p.element(p.page.Context(clickCtx), selector)
	if err != nil {
		return p.wrapTimeout(ctx, clickCtx, fmt.Errorf("find %q: %w", selector, err))
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return p.wrapTimeout(ctx, clickCtx, fmt.Errorf("click %q: %w", selector, err))
	}
	return nil
}

func (p *rodPage) Fill(ctx context.Context, selector, text string, timeout time.Duration) error {
	fillCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := p.element(p.page.Context(fillCtx), selector)
	if err != nil {
		return p.wrapTimeout(ctx, fillCtx, fmt.Errorf("find %q: %w", selector, err))
	}
	if err := el.SelectAllText(); err != nil {
		p.logger.Debug("select text failed", slog.String("selector", selector), slog.Any("error", err))
	}
	if err := el.Input(text); err != nil {
		return p.wrapTimeout(ctx, fillCtx, fmt.Errorf("fill %q: %w", selector, err))
	}
	return nil
}

var keys = map[string]input.Key{
	"Enter":    input.Enter,
	"Tab":      input.Tab,
	"Escape":   input.Escape,
	"PageDown": input.PageDown,
	"End":      input.End,
}

func (p *rodPage) Press(ctx context.Context, key string) error {
	k, ok := keys[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.page.Context(ctx).Keyboard.Press(k)
}

// Evaluate runs a function expression such as "() => document.title".
func (p *rodPage) Evaluate(ctx context.Context, js string) (string, error) {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}
	return res.Value.String(), nil
}

func (p *rodPage) Exists(ctx context.Context, selector string) (bool, error) {
	page := p.page.Context(ctx)
	var (
		has bool
		err error
	)
	switch {
	case strings.HasPrefix(selector, "text="):
		has, _, err = page.HasX(textXPath(strings.TrimPrefix(selector, "text=")))
	case strings.HasPrefix(selector, "xpath="):
		has, _, err = page.HasX(strings.TrimPrefix(selector, "xpath="))
	default:
		has, _, err = page.Has(selector)
	}
	if err != nil {
		return false, fmt.Errorf("check %q: %w", selector, err)
	}
	return has, nil
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page content: %w", err)
	}
	return html, nil
}

func (p *rodPage) Close() error {
	p.cancel()
	if dropped := p.hub.Dropped(); dropped > 0 {
		p.logger.Warn("responses dropped on full subscription buffers", slog.Int64("dropped", dropped))
	}
	p.hub.Close()
	if err := p.page.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}
