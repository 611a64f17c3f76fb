package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/config"
	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/notify"
	"github.com/aluiziolira/go-market-watch/parser"
	"github.com/aluiziolira/go-market-watch/pipeline"
	"github.com/aluiziolira/go-market-watch/stealth"
)

// State is a node of the crawl state machine.
type State string

const (
	StateInit           State = "INIT"
	StateSessionOpen    State = "SESSION_OPEN"
	StateSearchLoaded   State = "SEARCH_LOADED"
	StateBlockCheck     State = "BLOCK_CHECK"
	StateFiltersApplied State = "FILTERS_APPLIED"
	StatePageLoop       State = "PAGE_LOOP"
	StateItemLoop       State = "ITEM_LOOP"
	StateDetailFetch    State = "DETAIL_FETCH"
	StateProfileFetch   State = "PROFILE_FETCH"
	StateEnrich         State = "ENRICH"
	StatePersist        State = "PERSIST"
	StateNotify         State = "NOTIFY"
	StateDone           State = "DONE"
	StateAborted        State = "ABORTED"
)

const (
	titleScript  = "() => document.title"
	scrollScript = "() => window.scrollTo(0, document.body.scrollHeight)"
)

// Analyzer produces verdicts. *ai.Analyzer implements it.
type Analyzer interface {
	Analyze(ctx context.Context, record *models.Record, imagePaths []string, instructions string) (*models.Verdict, error)
}

// ImageFetcher stages listing images for analysis. *images.Fetcher implements it.
type ImageFetcher interface {
	Download(ctx context.Context, task, itemID string, urls []string) ([]string, error)
	Remove(paths []string)
}

// Notifier pushes alerts. *notify.Multi implements it.
type Notifier interface {
	Notify(ctx context.Context, p notify.Payload) error
}

// WriterFactory opens the record writer for a task's output path.
type WriterFactory func(path string) (pipeline.OutputWriter, error)

// Options carries the collaborators of a Scraper. Only Browser is required;
// a nil Analyzer skips enrichment and a nil Notifier disables alerts.
type Options struct {
	Browser   browser.Browser
	Analyzer  Analyzer
	Images    ImageFetcher
	Notifier  Notifier
	NewWriter WriterFactory
	Scheduler *stealth.Scheduler
	Rotator   *stealth.Rotator
	Detector  *stealth.Detector
	Metrics   *Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scraper runs monitoring tasks one at a time against a browser session.
type Scraper struct {
	cfg     *config.Config
	opts    Options
	Metrics *Metrics
}

// New builds a scraper from cfg, filling in default collaborators.
func New(cfg *config.Config, opts Options) (*Scraper, error) {
	if cfg == nil {
		return nil, errors.New("scraper: config is required")
	}
	if opts.Browser == nil {
		return nil, errors.New("scraper: browser is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = stealth.NewScheduler(cfg.Delays, stealth.WithLogger(opts.Logger))
	}
	if opts.Rotator == nil {
		opts.Rotator = stealth.NewRotator(nil, nil)
	}
	if opts.Detector == nil {
		opts.Detector = stealth.NewDetector(cfg.Detector, opts.Scheduler.Sleep, opts.Logger)
	}
	if opts.NewWriter == nil {
		format := cfg.OutputFormat
		opts.NewWriter = func(path string) (pipeline.OutputWriter, error) {
			return pipeline.NewWriter(format, path)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scraper{cfg: cfg, opts: opts, Metrics: opts.Metrics}, nil
}

// Detector exposes the block detector shared by all runs of this scraper.
func (s *Scraper) Detector() *stealth.Detector {
	return s.opts.Detector
}

// Run executes one task. The result is always returned; err is non-nil when
// the task was aborted.
func (s *Scraper) Run(ctx context.Context, task models.Task) (*models.RunResult, error) {
	if task.MaxPages <= 0 {
		task.MaxPages = 1
	}
	runID := uuid.NewString()
	r := &run{
		Scraper: s,
		task:    task,
		logger: s.opts.Logger.With(
			slog.String("run_id", runID),
			slog.String("task", task.TaskName),
			slog.String("keyword", task.Keyword),
		),
		result: &models.RunResult{
			RunID:        runID,
			TaskName:     task.TaskName,
			Keyword:      task.Keyword,
			StartTime:    s.opts.Now(),
			ErrorsByType: make(map[string]int),
			BlocksByKind: make(map[string]int),
		},
	}
	profiles, err := lru.New[string, *models.SellerProfile](s.cfg.ProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	r.profiles = profiles

	err = r.execute(ctx)
	r.finish(err)
	return r.result, err
}

type run struct {
	*Scraper
	task     models.Task
	logger   *slog.Logger
	result   *models.RunResult
	state    State
	store    *pipeline.Store
	session  browser.Session
	page     browser.Page
	profiles *lru.Cache[string, *models.SellerProfile]
	stop     bool
}

func (r *run) enter(st State) {
	r.state = st
	r.logger.Debug("state", slog.String("state", string(st)))
}

func (r *run) execute(ctx context.Context) error {
	r.enter(StateInit)
	path := pipeline.OutputPath(r.cfg.OutputDir, r.task.Keyword)
	writer, err := r.opts.NewWriter(path)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	r.store = pipeline.NewStore(writer, r.logger)
	defer func() {
		stats := r.store.Stats()
		r.result.Stored = stats.Added
		r.result.Known = r.store.Len()
		if err := r.store.Close(); err != nil {
			r.logger.Error("close output", slog.Any("error", err))
		}
		r.logger.Debug("output closed",
			slog.String("path", path),
			slog.Int("loaded", stats.Loaded),
			slog.Int("malformed", stats.Malformed),
			slog.Int("added", stats.Added),
			slog.Int("known", r.result.Known),
		)
	}()
	if _, err := r.store.LoadExisting(path); err != nil {
		return fmt.Errorf("load dedup history: %w", err)
	}

	r.enter(StateSessionOpen)
	ua := r.opts.Rotator.Random()
	r.logger.Info("opening session", slog.String("user_agent", ua))
	session, err := r.opts.Browser.Open(ctx, browser.Identity{UserAgent: ua, StatePath: r.cfg.StateFile})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	r.session = session

	page, err := session.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()
	r.page = page

	search := page.Subscribe(browser.URLContains(r.cfg.APIs.Search))
	defer search.Close()

	body, err := r.loadSearch(ctx, search)
	if err != nil {
		var timeout ErrTimeout
		if errors.As(err, &timeout) {
			if html, cerr := page.Content(ctx); cerr == nil {
				if ev := r.opts.Detector.Classify(html); ev.Blocked() {
					return r.blocked(ctx, ev.Kind)
				}
			}
		}
		return err
	}
	if err := r.checkBlocked(ctx, body); err != nil {
		return err
	}
	r.dismissAd(ctx)

	body, err = r.applyFilters(ctx, search, body)
	if err != nil {
		return err
	}
	return r.pageLoop(ctx, search, body)
}

func (r *run) finish(err error) {
	r.result.EndTime = r.opts.Now()
	if err == nil {
		r.enter(StateDone)
		r.result.FinalState = string(StateDone)
		r.logger.Info("task finished",
			slog.Int("processed", r.result.Processed),
			slog.Int("skipped", r.result.Skipped),
			slog.Int("failed", r.result.Failed),
			slog.Int("pages", r.result.Pages),
			slog.Int("stored", r.result.Stored),
		)
		return
	}
	r.enter(StateAborted)
	r.result.FinalState = string(StateAborted)
	r.result.AbortReason = err.Error()
	r.recordError(err)
	r.logger.Error("task aborted",
		slog.String("reason", err.Error()),
		slog.Int("processed", r.result.Processed),
	)
}

func (r *run) recordError(err error) {
	label := errorTypeLabel(err)
	r.result.ErrorsByType[label]++
	r.opts.Metrics.IncError(label)
}

func (r *run) click(ctx context.Context, phase, selector string) error {
	r.opts.Metrics.IncAction(phase)
	return r.page.Click(ctx, selector, r.cfg.FilterTimeout)
}

func (r *run) loadSearch(ctx context.Context, sub *browser.Subscription) ([]byte, error) {
	r.enter(StateSearchLoaded)
	target := r.cfg.SearchURL + "?" + url.Values{"q": {r.task.Keyword}}.Encode()
	r.logger.Info("loading search results", slog.String("url", target))

	r.opts.Metrics.IncAction("navigation")
	if err := r.page.Navigate(ctx, target, browser.WaitDOMContentLoaded, r.cfg.NavigationTimeout); err != nil {
		return nil, classifyError("search navigation", err)
	}
	resp, err := browser.First(ctx, sub, r.cfg.SearchTimeout)
	if err != nil {
		return nil, classifyError("search response", err)
	}
	if err := r.opts.Scheduler.Wait(ctx, stealth.PageLoad); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// checkBlocked classifies the search status and page title, then checks the
// known block widgets.
func (r *run) checkBlocked(ctx context.Context, body []byte) error {
	r.enter(StateBlockCheck)
	title, err := r.page.Evaluate(ctx, titleScript)
	if err != nil {
		r.logger.Debug("read page title", slog.Any("error", err))
	}
	kind := r.opts.Detector.Classify(parser.RetMessages(body) + "\n" + title).Kind
	if kind == stealth.KindNone {
		for _, sel := range r.cfg.Selectors.BlockWidgets {
			present, err := r.page.Exists(ctx, sel)
			if err != nil {
				r.logger.Debug("check block widget", slog.String("selector", sel), slog.Any("error", err))
				continue
			}
			if present {
				r.logger.Warn("block widget present", slog.String("selector", sel))
				kind = stealth.KindCaptcha
				break
			}
		}
	}
	if kind == stealth.KindNone {
		r.opts.Detector.OnSuccess()
		return nil
	}
	return r.blocked(ctx, kind)
}

func (r *run) blocked(ctx context.Context, kind stealth.Kind) error {
	r.result.BlocksByKind[string(kind)]++
	r.opts.Metrics.IncBlock(string(kind))
	if _, err := r.opts.Detector.OnBlocked(ctx, kind); err != nil {
		return err
	}
	return ErrBlocked{Kind: kind}
}

func (r *run) dismissAd(ctx context.Context) {
	sel := r.cfg.Selectors.AdClose
	if sel == "" {
		return
	}
	r.opts.Metrics.IncAction("click")
	if err := r.page.Click(ctx, sel, r.cfg.WidgetTimeout); err != nil {
		r.logger.Debug("no ad popup", slog.Any("error", err))
		return
	}
	r.logger.Info("ad popup dismissed")
}

type filterStep struct {
	name    string
	widget  string
	enabled bool
	apply   func(ctx context.Context) error
}

// applyFilters runs the enabled filter steps in order and returns the latest
// search payload. A step whose widget is absent is skipped; a step whose
// confirming response never arrives aborts the task.
func (r *run) applyFilters(ctx context.Context, sub *browser.Subscription, current []byte) ([]byte, error) {
	sel := r.cfg.Selectors
	steps := []filterStep{
		{
			name:    "sort",
			widget:  sel.SortNewest,
			enabled: true,
			apply: func(ctx context.Context) error {
				if err := r.click(ctx, "filter", sel.SortNewest); err != nil {
					return err
				}
				if err := r.opts.Scheduler.Wait(ctx, stealth.Click); err != nil {
					return err
				}
				return r.click(ctx, "filter", sel.SortLatest)
			},
		},
		{
			name:    "personal_only",
			widget:  sel.PersonalOnly,
			enabled: r.task.PersonalOnly,
			apply: func(ctx context.Context) error {
				return r.click(ctx, "filter", sel.PersonalOnly)
			},
		},
		{
			// Each price input is checked by fillPrice.
			name:    "price",
			enabled: r.task.MinPrice != "" || r.task.MaxPrice != "",
			apply:   r.fillPrice,
		},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if step.widget != "" && !r.widgetPresent(ctx, step.name, step.widget) {
			continue
		}
		sub.Drain()
		if err := step.apply(ctx); err != nil {
			if errors.Is(err, errWidgetAbsent) {
				continue
			}
			return nil, fmt.Errorf("apply %s filter: %w", step.name, classifyError(step.name+" filter", err))
		}
		resp, err := browser.First(ctx, sub, r.cfg.FilterTimeout)
		if err != nil {
			return nil, classifyError(step.name+" filter response", err)
		}
		current = resp.Body
		r.logger.Info("filter applied", slog.String("filter", step.name))
		if err := r.opts.Scheduler.Wait(ctx, stealth.Filter); err != nil {
			return nil, err
		}
	}
	r.enter(StateFiltersApplied)
	return current, nil
}

// errWidgetAbsent reports that a filter step found none of its inputs.
var errWidgetAbsent = errors.New("filter widget absent")

func (r *run) widgetPresent(ctx context.Context, filter, selector string) bool {
	present, err := r.page.Exists(ctx, selector)
	if err != nil || !present {
		r.logger.Warn("filter widget not found, skipping",
			slog.String("filter", filter),
			slog.String("selector", selector),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

func (r *run) fillPrice(ctx context.Context) error {
	sel := r.cfg.Selectors
	bounds := []struct {
		name     string
		selector string
		value    string
	}{
		{name: "min_price", selector: sel.MinPrice, value: r.task.MinPrice},
		{name: "max_price", selector: sel.MaxPrice, value: r.task.MaxPrice},
	}

	filled := 0
	for _, b := range bounds {
		if b.value == "" || !r.widgetPresent(ctx, b.name, b.selector) {
			continue
		}
		r.opts.Metrics.IncAction("filter")
		if err := r.page.Fill(ctx, b.selector, b.value, r.cfg.FilterTimeout); err != nil {
			return err
		}
		filled++
		if err := r.opts.Scheduler.Wait(ctx, stealth.Click); err != nil {
			return err
		}
	}
	if filled == 0 {
		return errWidgetAbsent
	}
	return r.page.Press(ctx, "Enter")
}

func (r *run) pageLoop(ctx context.Context, sub *browser.Subscription, body []byte) error {
	for pageNum := 1; ; pageNum++ {
		r.enter(StatePageLoop)
		if r.stop {
			return nil
		}
		listings, err := parser.ParseSearchResults(body)
		if err != nil {
			r.recordError(classifyError("search results", err))
			r.logger.Error("search results unreadable, stopping", slog.Int("page", pageNum), slog.Any("error", err))
			return nil
		}
		r.result.Pages++
		r.logger.Info("processing results page", slog.Int("page", pageNum), slog.Int("items", len(listings)))

		if err := r.itemLoop(ctx, listings); err != nil {
			return err
		}
		if r.stop || pageNum >= r.task.MaxPages {
			return nil
		}
		next, err := r.nextPage(ctx, sub)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		body = next
	}
}

// nextPage clicks the pagination control and returns the next payload, or nil
// when the results are exhausted.
func (r *run) nextPage(ctx context.Context, sub *browser.Subscription) ([]byte, error) {
	sel := r.cfg.Selectors.NextPage
	present, err := r.page.Exists(ctx, sel)
	if err != nil || !present {
		r.logger.Info("no next page, results exhausted")
		return nil, nil
	}
	if err := r.opts.Scheduler.Wait(ctx, stealth.Pagination); err != nil {
		return nil, err
	}
	sub.Drain()
	if err := r.click(ctx, "pagination", sel); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("next page click failed, stopping", slog.Any("error", err))
		return nil, nil
	}
	resp, err := browser.First(ctx, sub, r.cfg.SearchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Info("next page response not received, results exhausted", slog.Any("error", err))
		return nil, nil
	}
	return resp.Body, nil
}

func (r *run) itemLoop(ctx context.Context, listings []models.Listing) error {
	for i := range listings {
		if r.stop {
			return nil
		}
		r.enter(StateItemLoop)
		listing := listings[i]
		if r.store.HasLink(listing.Link) {
			r.result.Skipped++
			r.opts.Metrics.IncItems("skipped")
			r.logger.Debug("item already processed", slog.String("item_id", listing.ItemID))
			continue
		}

		start := r.opts.Now()
		err := r.processItem(ctx, &listing)
		r.opts.Metrics.ObserveItem(r.opts.Now().Sub(start))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var compromised ErrSessionCompromised
			if errors.As(err, &compromised) {
				return err
			}
			r.recordError(err)
			r.result.Failed++
			r.opts.Metrics.IncItems("failed")
			r.logger.Warn("item failed, skipping",
				slog.String("item_id", listing.ItemID),
				slog.String("category", errorTypeLabel(err)),
				slog.Any("error", err),
			)
			if err := r.opts.Scheduler.Wait(ctx, stealth.ErrorRecovery); err != nil {
				return err
			}
			continue
		}

		r.result.Processed++
		r.opts.Metrics.IncItems("processed")
		if r.cfg.DebugLimit > 0 && r.result.Processed >= r.cfg.DebugLimit {
			r.logger.Info("debug limit reached", slog.Int("limit", r.cfg.DebugLimit))
			r.stop = true
			return nil
		}
		if err := r.opts.Scheduler.Wait(ctx, stealth.ItemProcess); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) processItem(ctx context.Context, listing *models.Listing) error {
	logger := r.logger.With(slog.String("item_id", listing.ItemID))

	r.enter(StateDetailFetch)
	detail, err := r.fetchDetail(ctx, listing)
	if err != nil {
		return err
	}

	r.enter(StateProfileFetch)
	seller, err := r.sellerProfile(ctx, detail)
	if err != nil {
		return err
	}

	rec := &models.Record{
		CrawledAt: r.opts.Now(),
		TaskName:  r.task.TaskName,
		Keyword:   r.task.Keyword,
		Listing:   *listing,
		Seller:    seller,
	}

	r.enter(StateEnrich)
	r.enrich(ctx, rec)
	if err := ctx.Err(); err != nil {
		return err
	}

	r.enter(StatePersist)
	if err := r.store.Add(rec); err != nil {
		return err
	}
	logger.Info("item persisted",
		slog.String("title", listing.Title),
		slog.String("price", listing.Price),
		slog.Bool("recommended", rec.Verdict.Recommended()),
	)

	if rec.Verdict.Recommended() {
		r.enter(StateNotify)
		r.notify(ctx, rec)
	}
	return nil
}

func (r *run) closePage(ctx context.Context, page browser.Page) {
	if err := page.Close(); err != nil {
		r.logger.Debug("close page", slog.Any("error", err))
	}
	_ = r.opts.Scheduler.Wait(ctx, stealth.PageClose)
}

func (r *run) fetchDetail(ctx context.Context, listing *models.Listing) (models.SellerDetail, error) {
	if err := r.opts.Scheduler.Wait(ctx, stealth.DetailAPI); err != nil {
		return models.SellerDetail{}, err
	}
	page, err := r.session.NewPage(ctx)
	if err != nil {
		return models.SellerDetail{}, fmt.Errorf("open detail page: %w", err)
	}
	defer r.closePage(ctx, page)
	sub := page.Subscribe(browser.URLContains(r.cfg.APIs.Detail))
	defer sub.Close()

	r.opts.Metrics.IncAction("detail")
	if err := page.Navigate(ctx, listing.Link, browser.WaitDOMContentLoaded, r.cfg.NavigationTimeout); err != nil {
		return models.SellerDetail{}, classifyError("detail navigation", err)
	}
	resp, err := browser.First(ctx, sub, r.cfg.DetailTimeout)
	if err != nil {
		return models.SellerDetail{}, classifyError("detail response", err)
	}
	if signal := parser.ValidationFailure(resp.Body); signal != "" {
		return models.SellerDetail{}, r.compromised(ctx, signal)
	}
	detail, err := parser.ApplyDetail(resp.Body, listing)
	if err != nil {
		return models.SellerDetail{}, classifyError("detail", err)
	}
	return detail, nil
}

// compromised sleeps for a random cooldown and reports the session as unusable.
func (r *run) compromised(ctx context.Context, signal string) error {
	cooldown := r.opts.Scheduler.Between(stealth.Interval{
		Min: r.cfg.CompromisedCooldownMin,
		Max: r.cfg.CompromisedCooldownMax,
	})
	r.logger.Error("site requested session validation, cooling down before abort",
		slog.String("signal", signal),
		slog.Duration("cooldown", cooldown),
	)
	if err := r.opts.Scheduler.Sleep(ctx, cooldown); err != nil {
		return err
	}
	return ErrSessionCompromised{Signal: signal}
}

func (r *run) enrich(ctx context.Context, rec *models.Record) {
	if r.opts.Analyzer == nil {
		return
	}
	var paths []string
	if r.opts.Images != nil {
		urls := rec.Listing.ImageURLs
		if len(urls) == 0 && rec.Listing.MainImage != "" {
			urls = []string{rec.Listing.MainImage}
		}
		if len(urls) > 0 {
			got, err := r.opts.Images.Download(ctx, r.task.TaskName, rec.Listing.ItemID, urls)
			if err != nil {
				r.logger.Warn("image download interrupted", slog.Any("error", err))
			}
			paths = got
			defer r.opts.Images.Remove(paths)
		}
	}

	verdict, err := r.opts.Analyzer.Analyze(ctx, rec, paths, r.task.Instructions)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		classified := classifyError("ai", err)
		rec.AnalysisError = err.Error()
		r.recordError(classified)
		r.logger.Error("ai analysis failed, persisting without verdict",
			slog.String("item_id", rec.Listing.ItemID),
			slog.Any("error", err),
		)
		return
	}
	rec.Verdict = verdict
	r.opts.Metrics.AddAIAttempts(verdict.Attempts, verdict.Valid)
}

func (r *run) notify(ctx context.Context, rec *models.Record) {
	if r.opts.Notifier == nil {
		return
	}
	if err := r.opts.Notifier.Notify(ctx, notify.FromRecord(rec)); err != nil {
		r.opts.Metrics.IncNotification("failed")
		r.logger.Warn("notification failed", slog.String("item_id", rec.Listing.ItemID), slog.Any("error", err))
		return
	}
	r.result.Notified++
	r.opts.Metrics.IncNotification("sent")
}
