// Package resume implements the Resume Coordinator described in spec §4.5:
// a three-strategy cascade that gets a resumed collection run back to the
// page it left off on without replaying every earlier page. Strategies are
// tried in order of cost; each must never panic or leave the page in a
// worse state than it found it, falling back to page 1 only when every
// strategy fails.
//
// Ported from crawler/checkpoint/resume_strategy.py.
package resume

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/task"
)

// pageParamCandidates is the fixed list of query parameter names the
// URL-pattern strategy tries, in order. Ported from URLPatternStrategy's
// PAGE_PARAM_CANDIDATES.
var pageParamCandidates = []string{"page", "p", "pageNum", "pageNo", "pn", "offset"}

// Strategy resolves the browser to targetPage, returning whether it
// succeeded. A returned error means the strategy itself malfunctioned
// (e.g. a browser error), not merely that it failed to resolve — a plain
// false/nil is the normal "didn't work, try the next one" outcome.
type Strategy interface {
	Name() string
	Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) (bool, error)
}

// Coordinator tries each strategy in turn and falls back to page 1 on
// total failure. It never returns an error: a failed resume is not a fatal
// condition, just a slower one.
type Coordinator struct {
	strategies []Strategy
	logger     zerolog.Logger
}

func NewCoordinator(logger zerolog.Logger, strategies ...Strategy) *Coordinator {
	if len(strategies) == 0 {
		strategies = []Strategy{URLPatternStrategy{}, WidgetJumpStrategy{}, SmartSkipStrategy{}}
	}
	return &Coordinator{strategies: strategies, logger: logger}
}

// Resume returns the page number the caller should now consider itself on.
// On total failure it navigates to the list URL and returns 1.
func (c *Coordinator) Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) int {
	if targetPage <= 1 {
		return 1
	}
	for _, s := range c.strategies {
		ok, err := s.Resume(ctx, ctrl, cfg, collected, targetPage)
		if err != nil {
			c.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("resume strategy errored")
			continue
		}
		if ok {
			c.logger.Info().Str("strategy", s.Name()).Int("target_page", targetPage).Msg("resume succeeded")
			return targetPage
		}
	}
	c.logger.Warn().Int("target_page", targetPage).Msg("all resume strategies failed, restarting from page 1")
	_ = ctrl.Navigate(ctx, cfg.ListURL)
	return 1
}

// URLPatternStrategy rewrites the list URL's query string to point at
// targetPage under the first of pageParamCandidates the list URL already
// carries, and verifies the landed page's own query string agrees. A list
// URL carrying none of them fails this strategy.
type URLPatternStrategy struct{}

func (URLPatternStrategy) Name() string { return "url_pattern" }

func (URLPatternStrategy) Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) (bool, error) {
	parsed, err := url.Parse(cfg.ListURL)
	if err != nil {
		return false, nil
	}
	q := parsed.Query()

	var chosenParam string
	for _, p := range pageParamCandidates {
		if q.Get(p) != "" {
			chosenParam = p
			break
		}
	}
	if chosenParam == "" {
		return false, nil
	}

	q.Set(chosenParam, strconv.Itoa(targetPage))
	parsed.RawQuery = q.Encode()
	target := parsed.String()

	if err := ctrl.Navigate(ctx, target); err != nil {
		return false, nil
	}

	landed, err := url.Parse(ctrl.CurrentURL())
	if err != nil {
		return false, nil
	}
	if landed.Query().Get(chosenParam) != strconv.Itoa(targetPage) {
		return false, nil
	}
	return true, nil
}

// WidgetJumpStrategy fills the exploration-discovered jump-to-page input
// and clicks its confirm button.
type WidgetJumpStrategy struct{}

func (WidgetJumpStrategy) Name() string { return "widget_jump" }

func (WidgetJumpStrategy) Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) (bool, error) {
	if cfg.JumpWidgetXPath == nil {
		return false, nil
	}
	w := cfg.JumpWidgetXPath
	if err := ctrl.Fill(ctx, w.InputXPath, strconv.Itoa(targetPage)); err != nil {
		return false, nil
	}
	if err := ctrl.ClickXPath(ctx, w.ButtonXPath); err != nil {
		return false, nil
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(2 * time.Second):
	}
	return true, nil
}

// SmartSkipStrategy pages forward one page at a time, reading only the
// first detail link per page, until it finds a page whose first link is
// not already in collected (i.e. unvisited territory), then steps back one
// page so the caller resumes from the first not-fully-collected page.
type SmartSkipStrategy struct {
	// FirstDetailLinkXPath resolves the first detail link on a list page,
	// derived from CollectionConfig.CommonDetailXPath at call time if empty.
	FirstDetailLinkXPath string
	// BackSelectors lists the "previous page" xpath candidates tried in
	// order to step back one page; defaultBackSelectors is used when empty.
	BackSelectors []string
}

func (SmartSkipStrategy) Name() string { return "smart_skip" }

func (s SmartSkipStrategy) Resume(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, collected mapset.Set[string], targetPage int) (bool, error) {
	if cfg.PaginationXPath == "" {
		return false, nil
	}
	if err := ctrl.Navigate(ctx, cfg.ListURL); err != nil {
		return false, nil
	}

	detailXPath := s.FirstDetailLinkXPath
	if detailXPath == "" {
		detailXPath = cfg.CommonDetailXPath
	}
	if detailXPath == "" {
		return false, nil
	}

	for page := 1; page < targetPage; page++ {
		firstURL, err := firstDetailURL(ctx, ctrl, detailXPath)
		if err == nil && firstURL != "" && !collected.Contains(firstURL) {
			if page > 1 {
				if err := goBackOnePage(ctx, ctrl, cfg, s.BackSelectors); err != nil {
					return false, nil
				}
			}
			return true, nil
		}
		if err := ctrl.ClickXPath(ctx, cfg.PaginationXPath); err != nil {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
	return true, nil
}

func firstDetailURL(ctx context.Context, ctrl browser.Controller, xpath string) (string, error) {
	values, _, _, err := ctrl.ReadXPathAll(ctx, xpath, 1, []string{"href"})
	if err != nil || len(values) == 0 {
		return "", err
	}
	base, berr := url.Parse(ctrl.CurrentURL())
	ref, rerr := url.Parse(values[0])
	if berr != nil || rerr != nil {
		return values[0], nil
	}
	return base.ResolveReference(ref).String(), nil
}

var defaultBackSelectors = []string{
	"//a[contains(@class,'prev')]",
	"//a[contains(text(),'上一页')]",
	"//a[contains(text(),'Previous')]",
	"//button[contains(@class,'prev')]",
}

func goBackOnePage(ctx context.Context, ctrl browser.Controller, cfg task.CollectionConfig, candidates []string) error {
	if len(candidates) == 0 {
		candidates = defaultBackSelectors
	}
	for _, xp := range candidates {
		if err := ctrl.ClickXPath(ctx, xp); err == nil {
			return nil
		}
	}
	return fmt.Errorf("resume: no working back-page selector found")
}
