package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/config"
	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/notify"
	"github.com/aluiziolira/go-market-watch/stealth"
)

const (
	searchAPI  = "https://h5api.m.goofish.com/h5/mtop.taobao.idlemtopsearch.pc.search/1.0/"
	detailAPI  = "https://h5api.m.goofish.com/h5/mtop.taobao.idle.pc.detail/1.0/"
	headAPI    = "https://h5api.m.goofish.com/h5/mtop.idle.web.user.page.head/1.0/"
	itemsAPI   = "https://h5api.m.goofish.com/h5/mtop.idle.web.xyh.item.list/1.0/"
	ratingsAPI = "https://h5api.m.goofish.com/h5/mtop.idle.web.trade.rate.list/1.0/"

	searchURL = "https://www.goofish.com/search?q=iphone+13"
)

func itemLink(id string) string {
	return "https://www.goofish.com/item?id=" + id
}

func profileLink(sellerID string) string {
	return "https://www.goofish.com/personal?userId=" + sellerID
}

func searchBody(ids ...string) string {
	entries := make([]string, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, fmt.Sprintf(`{"data":{"item":{"main":{
		  "exContent":{"itemId":%q,"title":"iPhone 13 #%s","price":[{"text":"2999"}],"picUrl":"https://img.test/%s.jpg"},
		  "clickParam":{"args":{"wantNum":"3"}},
		  "targetUrl":%q}}}}`, id, id, id, itemLink(id)))
	}
	return `{"ret":["SUCCESS::调用成功"],"data":{"resultList":[` + strings.Join(entries, ",") + `]}}`
}

func detailBody(sellerID string) string {
	return fmt.Sprintf(`{"ret":["SUCCESS::调用成功"],"data":{
	  "itemDO":{"wantCnt":30,"browseCnt":410,"imageInfos":[{"url":"https://img.test/a.jpg"}]},
	  "sellerDO":{"sellerId":%q,"userRegDays":800,"zhimaLevelInfo":{"levelName":"信用极好"}}}}`, sellerID)
}

const (
	headBody = `{"data":{"module":{"base":{"displayName":"bob"},"tabs":{"item":{"number":2},"rate":{"number":2}}}}}`

	itemsBody = `{"data":{"nextPage":false,"cardList":[
	  {"cardData":{"id":"9001","title":"case","priceInfo":{"price":"20"}}},
	  {"cardData":{"id":"9002","title":"charger","priceInfo":{"price":"35"}}}]}}`

	ratingsBody = `{"data":{"nextPage":false,"cardList":[
	  {"cardData":{"rateId":"r1","rate":1,"rateTagList":[{"text":"来自卖家"}]}},
	  {"cardData":{"rateId":"r2","rate":-1,"rateTagList":[{"text":"来自买家"}]}}]}}`

	compromisedBody = `{"ret":["FAIL_SYS_USER_VALIDATE::请验证"],"data":{}}`
)

func resp(url, body string) browser.Response {
	return browser.Response{URL: url, Status: 200, Body: []byte(body)}
}

// fakeSite scripts what the pages of a session publish in reaction to
// navigations, clicks and key presses. Each action pops one batch of
// responses for its key.
type fakeSite struct {
	title   string
	content string
	present map[string]bool

	navigations map[string][][]browser.Response
	clicks      map[string][][]browser.Response
	presses     map[string][][]browser.Response

	fills        map[string]string
	fillTimeouts []time.Duration
	visited      []string
	clicked      []string
	scrolls      int
	opened       int
	closed       int
	userAgents   []string
}

func newSite() *fakeSite {
	sel := config.DefaultConfig().Selectors
	return &fakeSite{
		title: "iphone 13_闲鱼",
		present: map[string]bool{
			sel.SortNewest: true,
			sel.SortLatest: true,
			sel.MinPrice:   true,
			sel.MaxPrice:   true,
			sel.RatingTab:  true,
		},
		navigations: make(map[string][][]browser.Response),
		clicks:      make(map[string][][]browser.Response),
		presses:     make(map[string][][]browser.Response),
		fills:       make(map[string]string),
	}
}

func (s *fakeSite) onNavigate(url string, rs ...browser.Response) {
	s.navigations[url] = append(s.navigations[url], rs)
}

func (s *fakeSite) onClick(selector string, rs ...browser.Response) {
	s.clicks[selector] = append(s.clicks[selector], rs)
}

func (s *fakeSite) onPress(key string, rs ...browser.Response) {
	s.presses[key] = append(s.presses[key], rs)
}

func pop(m map[string][][]browser.Response, key string) []browser.Response {
	batches := m[key]
	if len(batches) == 0 {
		return nil
	}
	m[key] = batches[1:]
	return batches[0]
}

func (s *fakeSite) count(list []string, want string) int {
	n := 0
	for _, v := range list {
		if v == want {
			n++
		}
	}
	return n
}

type fakeBrowser struct {
	site *fakeSite
}

func (b *fakeBrowser) Open(_ context.Context, id browser.Identity) (browser.Session, error) {
	b.site.userAgents = append(b.site.userAgents, id.UserAgent)
	return &fakeSession{site: b.site}, nil
}

type fakeSession struct {
	site *fakeSite
}

func (s *fakeSession) NewPage(context.Context) (browser.Page, error) {
	s.site.opened++
	return &fakePage{site: s.site, hub: browser.NewHub(0)}, nil
}

func (s *fakeSession) Close() error { return nil }

type fakePage struct {
	site   *fakeSite
	hub    *browser.Hub
	closed bool
}

func (p *fakePage) publish(rs []browser.Response) {
	for _, r := range rs {
		p.hub.Publish(r)
	}
}

func (p *fakePage) Navigate(_ context.Context, url string, _ browser.WaitCondition, _ time.Duration) error {
	p.site.visited = append(p.site.visited, url)
	p.publish(pop(p.site.navigations, url))
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string, _ time.Duration) error {
	if !p.site.present[selector] {
		return fmt.Errorf("%w: %s", browser.ErrTimedOut, selector)
	}
	p.site.clicked = append(p.site.clicked, selector)
	p.publish(pop(p.site.clicks, selector))
	return nil
}

func (p *fakePage) Fill(_ context.Context, selector, text string, timeout time.Duration) error {
	p.site.fillTimeouts = append(p.site.fillTimeouts, timeout)
	if !p.site.present[selector] {
		return fmt.Errorf("%w: %s", browser.ErrTimedOut, selector)
	}
	p.site.fills[selector] = text
	return nil
}

func (p *fakePage) Press(_ context.Context, key string) error {
	p.publish(pop(p.site.presses, key))
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, js string) (string, error) {
	if strings.Contains(js, "document.title") {
		return p.site.title, nil
	}
	p.site.scrolls++
	return "", nil
}

func (p *fakePage) Exists(_ context.Context, selector string) (bool, error) {
	return p.site.present[selector], nil
}

func (p *fakePage) Content(context.Context) (string, error) {
	return p.site.content, nil
}

func (p *fakePage) Subscribe(m browser.Matcher) *browser.Subscription {
	return p.hub.Subscribe(m)
}

func (p *fakePage) Close() error {
	if !p.closed {
		p.closed = true
		p.site.closed++
		p.hub.Close()
	}
	return nil
}

type fakeAnalyzer struct {
	verdict      *models.Verdict
	err          error
	calls        []string
	instructions string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, rec *models.Record, _ []string, instructions string) (*models.Verdict, error) {
	a.calls = append(a.calls, rec.Listing.ItemID)
	a.instructions = instructions
	if a.err != nil {
		return nil, a.err
	}
	v := *a.verdict
	return &v, nil
}

type fakeNotifier struct {
	payloads []notify.Payload
}

func (n *fakeNotifier) Notify(_ context.Context, p notify.Payload) error {
	n.payloads = append(n.payloads, p)
	return nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type harness struct {
	cfg      *config.Config
	site     *fakeSite
	analyzer *fakeAnalyzer
	notifier *fakeNotifier
	sleeps   *sleepRecorder
	scraper  *Scraper
}

func newHarness(t *testing.T, site *fakeSite, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.SearchTimeout = 50 * time.Millisecond
	cfg.FilterTimeout = 50 * time.Millisecond
	cfg.DetailTimeout = 50 * time.Millisecond
	cfg.ProfileTimeout = 50 * time.Millisecond
	cfg.ScrollTimeout = 20 * time.Millisecond
	cfg.WidgetTimeout = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		cfg:  cfg,
		site: site,
		analyzer: &fakeAnalyzer{verdict: &models.Verdict{
			IsRecommended: true,
			Reason:        "battery 92%, personal seller",
			RiskTags:      []string{},
			Valid:         true,
			Attempts:      1,
		}},
		notifier: &fakeNotifier{},
		sleeps:   &sleepRecorder{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := stealth.NewScheduler(cfg.Delays,
		stealth.WithSleep(h.sleeps.sleep),
		stealth.WithRand(rand.New(rand.NewPCG(1, 2))),
		stealth.WithLogger(logger),
	)
	s, err := New(cfg, Options{
		Browser:   &fakeBrowser{site: site},
		Analyzer:  h.analyzer,
		Notifier:  h.notifier,
		Scheduler: sched,
		Rotator:   stealth.NewRotator(nil, rand.New(rand.NewPCG(3, 4))),
		Metrics:   NewMetrics(),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.scraper = s
	return h
}
