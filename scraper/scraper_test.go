package scraper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-market-watch/ai"
	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/config"
	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/parser"
	"github.com/aluiziolira/go-market-watch/pipeline"
	"github.com/aluiziolira/go-market-watch/stealth"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "response wait", err: fmt.Errorf("detail: %w", browser.ErrTimedOut), expected: "timeout"},
		{name: "context deadline", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "bad payload", err: fmt.Errorf("%w: truncated", parser.ErrInvalidPayload), expected: "malformed"},
		{name: "no verdict", err: fmt.Errorf("%w after 3 attempts", ai.ErrNoVerdict), expected: "malformed"},
		{name: "blocked", err: ErrBlocked{Kind: stealth.KindCaptcha}, expected: "blocked"},
		{name: "compromised", err: ErrSessionCompromised{Signal: "FAIL_SYS_USER_VALIDATE"}, expected: "session_compromised"},
		{name: "store closed", err: pipeline.ErrStoreClosed, expected: "persistence"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError("step", tt.err)); got != tt.expected {
				t.Fatalf("classifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestNewRequiresBrowser(t *testing.T) {
	if _, err := New(config.DefaultConfig(), Options{}); err == nil {
		t.Fatalf("expected error without browser")
	}
	if _, err := New(nil, Options{Browser: &fakeBrowser{site: newSite()}}); err == nil {
		t.Fatalf("expected error without config")
	}
}

func readRecords(t *testing.T, path string) []models.Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var records []models.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", scanner.Text(), err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan output: %v", err)
	}
	return records
}

func outputPath(h *harness) string {
	return pipeline.OutputPath(h.cfg.OutputDir, "iphone 13")
}

func TestScraper_Integration(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001")))
	site.onPress("Enter", resp(searchAPI, searchBody("7001", "7002")))
	site.onNavigate(itemLink("7002"), resp(detailAPI, detailBody("s-9")))
	site.onNavigate(profileLink("s-9"), resp(headAPI, headBody), resp(itemsAPI, itemsBody))
	site.onClick(sel.RatingTab, resp(ratingsAPI, ratingsBody))

	h := newHarness(t, site, nil)
	seeded := `{"listing":{"item_id":"7001","link":"https://www.goofish.com/item?id=7001&spm=a21ybx"}}` + "\n"
	if err := os.WriteFile(outputPath(h), []byte(seeded), 0o644); err != nil {
		t.Fatalf("seed output: %v", err)
	}

	task := models.Task{
		TaskName:     "phones",
		Keyword:      "iphone 13",
		MaxPages:     1,
		MinPrice:     "2000",
		MaxPrice:     "4000",
		Instructions: "battery above 85%",
	}
	result, err := h.scraper.Run(context.Background(), task)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.FinalState != string(StateDone) {
		t.Fatalf("final state = %s, want DONE", result.FinalState)
	}
	if result.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if result.Processed != 1 || result.Skipped != 1 || result.Failed != 0 {
		t.Fatalf("processed/skipped/failed = %d/%d/%d, want 1/1/0", result.Processed, result.Skipped, result.Failed)
	}
	if result.Pages != 1 || result.Notified != 1 {
		t.Fatalf("pages=%d notified=%d, want 1 and 1", result.Pages, result.Notified)
	}
	if result.Stored != 1 || result.Known != 2 {
		t.Fatalf("stored=%d known=%d, want 1 and 2", result.Stored, result.Known)
	}

	if len(h.analyzer.calls) != 1 || h.analyzer.calls[0] != "7002" {
		t.Fatalf("analyzer calls = %v, want [7002]", h.analyzer.calls)
	}
	if h.analyzer.instructions != task.Instructions {
		t.Fatalf("instructions = %q", h.analyzer.instructions)
	}
	if site.fills[sel.MinPrice] != "2000" || site.fills[sel.MaxPrice] != "4000" {
		t.Fatalf("price fills = %v", site.fills)
	}
	if site.opened != site.closed {
		t.Fatalf("opened %d pages but closed %d", site.opened, site.closed)
	}
	if len(site.userAgents) != 1 || site.userAgents[0] == "" {
		t.Fatalf("user agents = %v", site.userAgents)
	}

	records := readRecords(t, outputPath(h))
	if len(records) != 2 {
		t.Fatalf("output has %d records, want 2", len(records))
	}
	rec := records[1]
	if rec.Listing.ItemID != "7002" || rec.Listing.WantCount != 30 || len(rec.Listing.ImageURLs) != 1 {
		t.Fatalf("unexpected listing: %+v", rec.Listing)
	}
	if rec.Seller == nil || rec.Seller.Nickname != "bob" || rec.Seller.Credit != "信用极好" {
		t.Fatalf("unexpected seller: %+v", rec.Seller)
	}
	if len(rec.Seller.Items) != 2 || len(rec.Seller.Ratings) != 2 {
		t.Fatalf("seller items=%d ratings=%d, want 2 and 2", len(rec.Seller.Items), len(rec.Seller.Ratings))
	}
	if !rec.Verdict.Recommended() {
		t.Fatalf("expected a recommended verdict, got %+v", rec.Verdict)
	}

	if len(h.notifier.payloads) != 1 || h.notifier.payloads[0].Link != itemLink("7002") {
		t.Fatalf("notifications = %+v", h.notifier.payloads)
	}
	if got := testutil.ToFloat64(h.scraper.Metrics.ItemsTotal.WithLabelValues("processed")); got != 1 {
		t.Fatalf("processed metric = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.scraper.Metrics.NotificationsTotal.WithLabelValues("sent")); got != 1 {
		t.Fatalf("sent metric = %v, want 1", got)
	}
}

func TestScraperBlockWidgetAborts(t *testing.T) {
	site := newSite()
	site.present["div.baxia-dialog-mask"] = true
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})

	var blocked ErrBlocked
	if !errors.As(err, &blocked) || blocked.Kind != stealth.KindCaptcha {
		t.Fatalf("expected captcha block, got %v", err)
	}
	if result.FinalState != string(StateAborted) || result.AbortReason == "" {
		t.Fatalf("final state = %s reason = %q", result.FinalState, result.AbortReason)
	}
	if result.BlocksByKind["CAPTCHA"] != 1 || result.ErrorsByType["blocked"] != 1 {
		t.Fatalf("blocks=%v errors=%v", result.BlocksByKind, result.ErrorsByType)
	}
	if got := h.scraper.Detector().Consecutive(); got != 1 {
		t.Fatalf("consecutive blocks = %d, want 1", got)
	}
	if len(h.analyzer.calls) != 0 {
		t.Fatalf("no item should be analyzed")
	}
}

func TestScraperBlockPageAfterSearchTimeout(t *testing.T) {
	site := newSite()
	site.content = "<html><body>访问频繁，请稍后再试</body></html>"

	h := newHarness(t, site, nil)
	_, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})

	var blocked ErrBlocked
	if !errors.As(err, &blocked) || blocked.Kind != stealth.KindRateLimit {
		t.Fatalf("expected rate limit block, got %v", err)
	}
}

func TestScraperBlockThresholdCoolsDownAcrossRuns(t *testing.T) {
	site := newSite()
	site.present["div.baxia-dialog-mask"] = true
	for i := 0; i < 3; i++ {
		site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	}

	h := newHarness(t, site, nil)
	task := models.Task{TaskName: "phones", Keyword: "iphone 13"}
	for i := 0; i < 3; i++ {
		if _, err := h.scraper.Run(context.Background(), task); err == nil {
			t.Fatalf("run %d: expected block", i)
		}
	}
	if got := h.scraper.Detector().Consecutive(); got != 3 {
		t.Fatalf("consecutive = %d, want 3", got)
	}
	want := h.cfg.Detector.CooldownUnit * 3
	found := false
	for _, d := range h.sleeps.waits {
		if d == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a %v cooldown among %v", want, h.sleeps.waits)
	}
}

func TestScraperSessionCompromisedAborts(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001", "7002")))
	site.onNavigate(itemLink("7001"), resp(detailAPI, compromisedBody))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})

	var compromised ErrSessionCompromised
	if !errors.As(err, &compromised) {
		t.Fatalf("expected session compromised, got %v", err)
	}
	if result.FinalState != string(StateAborted) || result.ErrorsByType["session_compromised"] != 1 {
		t.Fatalf("state=%s errors=%v", result.FinalState, result.ErrorsByType)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Fatalf("processed=%d failed=%d, want 0 and 0", result.Processed, result.Failed)
	}

	cooled := false
	for _, d := range h.sleeps.waits {
		if d >= h.cfg.CompromisedCooldownMin && d <= h.cfg.CompromisedCooldownMax {
			cooled = true
		}
	}
	if !cooled {
		t.Fatalf("expected a cooldown between %v and %v, got %v",
			h.cfg.CompromisedCooldownMin, h.cfg.CompromisedCooldownMax, h.sleeps.waits)
	}
	if records := readRecords(t, outputPath(h)); len(records) != 0 {
		t.Fatalf("nothing should be persisted, got %d records", len(records))
	}
	if site.opened != site.closed {
		t.Fatalf("opened %d pages but closed %d", site.opened, site.closed)
	}
}

func TestScraperDetailTimeoutSkipsItem(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001")))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalState != string(StateDone) {
		t.Fatalf("final state = %s", result.FinalState)
	}
	if result.Failed != 1 || result.Processed != 0 {
		t.Fatalf("failed=%d processed=%d, want 1 and 0", result.Failed, result.Processed)
	}
	if result.ErrorsByType["timeout"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
	if got := testutil.ToFloat64(h.scraper.Metrics.ErrorsTotal.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("timeout metric = %v, want 1", got)
	}
}

func TestScraperFilterResponseTimeoutAborts(t *testing.T) {
	site := newSite()
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})

	var timeout ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if result.FinalState != string(StateAborted) || result.Pages != 0 {
		t.Fatalf("state=%s pages=%d", result.FinalState, result.Pages)
	}
}

func TestScraperMissingFilterWidgetIsSkipped(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	delete(site.present, sel.MinPrice)
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody()))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{
		TaskName: "phones",
		Keyword:  "iphone 13",
		MinPrice: "100",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(site.fills) != 0 {
		t.Fatalf("no price should be filled, got %v", site.fills)
	}
	if result.Pages != 1 || result.Processed != 0 {
		t.Fatalf("pages=%d processed=%d", result.Pages, result.Processed)
	}
}

func TestScraperMissingMaxPriceInputFillsMinOnly(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	delete(site.present, sel.MaxPrice)
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001")))
	site.onPress("Enter", resp(searchAPI, searchBody()))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{
		TaskName: "phones",
		Keyword:  "iphone 13",
		MinPrice: "2000",
		MaxPrice: "4000",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalState != string(StateDone) {
		t.Fatalf("final state = %s", result.FinalState)
	}
	if len(site.fills) != 1 || site.fills[sel.MinPrice] != "2000" {
		t.Fatalf("fills = %v, want only the min price", site.fills)
	}
	if len(site.fillTimeouts) != 1 || site.fillTimeouts[0] != h.cfg.FilterTimeout {
		t.Fatalf("fill timeouts = %v, want [%v]", site.fillTimeouts, h.cfg.FilterTimeout)
	}
	if result.Processed != 0 || result.Pages != 1 {
		t.Fatalf("processed=%d pages=%d", result.Processed, result.Pages)
	}
}

func TestScraperPaginationAndProfileCache(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.present[sel.NextPage] = true
	site.onNavigate(searchURL, resp(searchAPI, searchBody("8001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("8001")))
	site.onClick(sel.NextPage, resp(searchAPI, searchBody("8002")))
	site.onNavigate(itemLink("8001"), resp(detailAPI, detailBody("s-9")))
	site.onNavigate(itemLink("8002"), resp(detailAPI, detailBody("s-9")))
	site.onNavigate(profileLink("s-9"), resp(headAPI, headBody), resp(itemsAPI, itemsBody))
	site.onClick(sel.RatingTab, resp(ratingsAPI, ratingsBody))

	h := newHarness(t, site, nil)
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13", MaxPages: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Pages != 2 || result.Processed != 2 {
		t.Fatalf("pages=%d processed=%d, want 2 and 2", result.Pages, result.Processed)
	}
	if n := site.count(site.visited, profileLink("s-9")); n != 1 {
		t.Fatalf("profile visited %d times, want 1", n)
	}
	if n := site.count(site.clicked, sel.NextPage); n != 2 {
		t.Fatalf("next page clicked %d times, want 2", n)
	}

	records := readRecords(t, outputPath(h))
	if len(records) != 2 {
		t.Fatalf("output has %d records, want 2", len(records))
	}
	for _, rec := range records {
		if rec.Seller == nil || rec.Seller.Nickname != "bob" {
			t.Fatalf("record %s lost the cached seller: %+v", rec.Listing.ItemID, rec.Seller)
		}
	}
}

func TestScraperDebugLimitStopsEarly(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001", "7002")))
	site.onNavigate(itemLink("7001"), resp(detailAPI, detailBody("")))

	h := newHarness(t, site, func(c *config.Config) { c.DebugLimit = 1 })
	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Processed != 1 || len(h.analyzer.calls) != 1 {
		t.Fatalf("processed=%d analyzed=%v, want one item", result.Processed, h.analyzer.calls)
	}
	records := readRecords(t, outputPath(h))
	if len(records) != 1 || records[0].Seller != nil {
		t.Fatalf("expected one record without seller, got %+v", records)
	}
}

func TestScraperAIFailurePersistsWithoutVerdict(t *testing.T) {
	site := newSite()
	sel := config.DefaultConfig().Selectors
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))
	site.onClick(sel.SortLatest, resp(searchAPI, searchBody("7001")))
	site.onNavigate(itemLink("7001"), resp(detailAPI, detailBody("")))

	h := newHarness(t, site, nil)
	h.analyzer.err = fmt.Errorf("%w after 3 attempts", ai.ErrNoVerdict)

	result, err := h.scraper.Run(context.Background(), models.Task{TaskName: "phones", Keyword: "iphone 13"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Processed != 1 || result.Notified != 0 {
		t.Fatalf("processed=%d notified=%d, want 1 and 0", result.Processed, result.Notified)
	}
	if result.ErrorsByType["malformed"] != 1 {
		t.Fatalf("errors = %v", result.ErrorsByType)
	}
	if len(h.notifier.payloads) != 0 {
		t.Fatalf("no notification expected")
	}

	records := readRecords(t, outputPath(h))
	if len(records) != 1 {
		t.Fatalf("output has %d records, want 1", len(records))
	}
	if records[0].Verdict != nil || records[0].AnalysisError == "" {
		t.Fatalf("expected ai_error without verdict, got %+v", records[0])
	}
}

func TestScraperCancelledContext(t *testing.T) {
	site := newSite()
	site.onNavigate(searchURL, resp(searchAPI, searchBody("7001")))

	h := newHarness(t, site, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	result, err := h.scraper.Run(ctx, models.Task{TaskName: "phones", Keyword: "iphone 13"})
	if err == nil {
		t.Fatalf("expected an error for a cancelled context")
	}
	if result.FinalState != string(StateAborted) {
		t.Fatalf("final state = %s", result.FinalState)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled run took too long")
	}
	if _, err := os.Stat(filepath.Dir(outputPath(h))); err != nil {
		t.Fatalf("output dir: %v", err)
	}
}
