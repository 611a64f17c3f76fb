package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/aluiziolira/go-market-watch/browser"
	"github.com/aluiziolira/go-market-watch/models"
	"github.com/aluiziolira/go-market-watch/parser"
	"github.com/aluiziolira/go-market-watch/stealth"
)

// sellerProfile returns the profile of the listing's seller, crawling it on the
// first visit of this run. Crawl problems degrade to a partial profile; only
// context errors are returned.
func (r *run) sellerProfile(ctx context.Context, detail models.SellerDetail) (*models.SellerProfile, error) {
	if detail.SellerID == "" {
		return nil, nil
	}
	if cached, ok := r.profiles.Get(detail.SellerID); ok {
		r.logger.Debug("seller profile reused", slog.String("seller_id", detail.SellerID))
		return cached, nil
	}
	profile, err := r.crawlSeller(ctx, detail.SellerID)
	if err != nil {
		return nil, err
	}
	profile.RegistrationAge = parser.FormatRegistrationDays(detail.RegisterDays)
	profile.Credit = detail.Credit
	r.profiles.Add(detail.SellerID, profile)
	return profile, nil
}

func (r *run) crawlSeller(ctx context.Context, sellerID string) (*models.SellerProfile, error) {
	profile := &models.SellerProfile{
		SellerID: sellerID,
		Items:    []models.SellerItem{},
		Ratings:  []models.Rating{},
	}
	profile.Reputation = parser.Reputation(nil)
	logger := r.logger.With(slog.String("seller_id", sellerID))

	if err := r.opts.Scheduler.Wait(ctx, stealth.Profile); err != nil {
		return nil, err
	}
	page, err := r.session.NewPage(ctx)
	if err != nil {
		logger.Warn("open profile page failed", slog.Any("error", err))
		return profile, nil
	}
	defer r.closePage(ctx, page)

	// Subscribe before navigating: the first item page loads with the profile.
	head := page.Subscribe(browser.URLContains(r.cfg.APIs.UserHead))
	defer head.Close()
	items := page.Subscribe(browser.URLContains(r.cfg.APIs.UserItems))
	defer items.Close()
	ratings := page.Subscribe(browser.URLContains(r.cfg.APIs.UserRatings))
	defer ratings.Close()

	r.opts.Metrics.IncAction("profile")
	target := fmt.Sprintf(r.cfg.ProfileURL, url.QueryEscape(sellerID))
	if err := page.Navigate(ctx, target, browser.WaitDOMContentLoaded, r.cfg.NavigationTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("profile navigation failed", slog.Any("error", err))
		return profile, nil
	}

	resp, err := browser.First(ctx, head, r.cfg.ProfileTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("profile summary not captured, recording empty profile", slog.Any("error", err))
		return profile, nil
	}
	if err := parser.ApplyUserHead(resp.Body, profile); err != nil {
		logger.Warn("profile summary unreadable", slog.Any("error", err))
	}

	scroll := func(ctx context.Context) error {
		r.opts.Metrics.IncAction("scroll")
		_, err := page.Evaluate(ctx, scrollScript)
		return err
	}
	accumulate := browser.AccumulateOptions{
		Trigger:   scroll,
		Timeout:   r.cfg.ScrollTimeout,
		MaxRounds: r.cfg.MaxScrollRounds,
		Logger:    logger,
	}

	if err := r.opts.Scheduler.Wait(ctx, stealth.APIWait); err != nil {
		return nil, err
	}
	sellerItems, res, err := browser.Accumulate[models.SellerItem](ctx, items, accumulate, parser.ParseItemCards)
	if err != nil {
		return nil, err
	}
	profile.Items = append(profile.Items, sellerItems...)
	logger.Debug("seller items collected",
		slog.Int("items", len(sellerItems)),
		slog.Int("rounds", res.Rounds),
		slog.Bool("complete", res.Signaled),
	)

	tab := r.cfg.Selectors.RatingTab
	present, err := page.Exists(ctx, tab)
	if err != nil || !present {
		logger.Info("ratings tab not found, skipping ratings", slog.Any("error", err))
		return profile, nil
	}
	r.opts.Metrics.IncAction("profile")
	if err := page.Click(ctx, tab, r.cfg.FilterTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("ratings tab click failed", slog.Any("error", err))
		return profile, nil
	}
	if err := r.opts.Scheduler.Wait(ctx, stealth.APIWait); err != nil {
		return nil, err
	}
	received, res, err := browser.Accumulate[models.Rating](ctx, ratings, accumulate, parser.ParseRatingCards)
	if err != nil {
		return nil, err
	}
	profile.Ratings = append(profile.Ratings, received...)
	profile.Reputation = parser.Reputation(profile.Ratings)
	logger.Debug("seller ratings collected",
		slog.Int("ratings", len(received)),
		slog.Int("rounds", res.Rounds),
		slog.Bool("complete", res.Signaled),
	)
	return profile, nil
}
