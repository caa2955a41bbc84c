// Package collector is the producer half of the pipeline: it replays the
// CollectionConfig's CommonDetailXPath across every list page, pushing
// newly discovered detail URLs onto the work queue and advancing
// pagination until the target count or page budget is exhausted, a resumed
// run's checkpoint lands it on the right page first.
//
// Ported from crawler/url_collector.py's URLCollector main loop, with the
// resume cascade and backoff wiring moved into the dedicated resume and
// ratelimit packages instead of being inlined into the collection loop.
package collector

import (
	"context"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/pinkllo/autospider-go/internal/autoerr"
	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/checkpoint"
	"github.com/pinkllo/autospider-go/internal/queue"
	"github.com/pinkllo/autospider-go/internal/ratelimit"
	"github.com/pinkllo/autospider-go/internal/resume"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Options bounds one collection run.
type Options struct {
	TargetURLCount    int
	MaxPages          int
	NoNewURLThreshold int
	PageLoadDelay     time.Duration
}

// Collector pages through a list, harvesting detail URLs onto a Queue.
type Collector struct {
	ctrl     browser.Controller
	q        queue.Queue
	store    *checkpoint.Store
	rate     *ratelimit.Controller
	resumer  *resume.Coordinator
	logger   zerolog.Logger
	pageErrs error
}

// Errs returns every per-page collection failure accumulated across the
// most recent Run, combined via multierr so a caller can inspect the full
// run's error history instead of only whichever failure happened last.
// Run does not abort on a single bad page, so this is the only place that
// history survives.
func (c *Collector) Errs() error { return c.pageErrs }

func New(ctrl browser.Controller, q queue.Queue, store *checkpoint.Store, rate *ratelimit.Controller, resumer *resume.Coordinator, logger zerolog.Logger) *Collector {
	return &Collector{ctrl: ctrl, q: q, store: store, rate: rate, resumer: resumer, logger: logger}
}

// Run pages through cfg's list starting from whatever page the last
// checkpoint left off on (page 1 for a fresh run), pushing every newly
// discovered detail URL onto the queue, until opts.TargetURLCount URLs
// have been collected, opts.MaxPages pages have been visited, or
// opts.NoNewURLThreshold consecutive pages yield nothing new.
func (c *Collector) Run(ctx context.Context, cfg task.CollectionConfig, opts Options) error {
	collected, err := c.store.LoadCollectedURLs()
	if err != nil {
		return err
	}
	progress, err := c.store.LoadProgress()
	if err != nil {
		return err
	}

	currentPage := 1
	if progress != nil && progress.Compatible(cfg.ListURL, cfg.TaskDescription) {
		c.rate.SetLevel(progress.BackoffLevel)
		if progress.CurrentPageNum > 1 {
			currentPage = c.resumer.Resume(ctx, c.ctrl, cfg, collected, progress.CurrentPageNum)
		}
	} else {
		if err := c.ctrl.Navigate(ctx, cfg.ListURL); err != nil {
			return err
		}
	}

	noNewStreak := 0
	lastPage := currentPage
	for page := currentPage; opts.MaxPages <= 0 || page <= opts.MaxPages; page++ {
		lastPage = page
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.TargetURLCount > 0 && collected.Cardinality() >= opts.TargetURLCount {
			break
		}

		newCount, perr := c.collectPage(ctx, cfg, collected)
		if perr != nil {
			c.pageErrs = multierr.Append(c.pageErrs, fmt.Errorf("page %d: %w", page, perr))
			c.logger.Warn().Err(perr).Int("page", page).Msg("page collection failed")
			c.rate.ApplyPenalty()
		} else {
			c.rate.RecordSuccess()
		}

		if newCount == 0 {
			noNewStreak++
		} else {
			noNewStreak = 0
		}

		if err := c.saveProgress(cfg, page, collected.Cardinality()); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist checkpoint")
		}

		if opts.NoNewURLThreshold > 0 && noNewStreak >= opts.NoNewURLThreshold {
			c.logger.Info().Int("streak", noNewStreak).Msg("no new urls for several pages, stopping")
			break
		}

		if cfg.PaginationXPath == "" {
			break
		}
		if err := c.rate.Wait(ctx); err != nil {
			return err
		}
		if err := c.ctrl.ClickXPath(ctx, cfg.PaginationXPath); err != nil {
			c.logger.Info().Msg("pagination control exhausted, stopping")
			break
		}
		if opts.PageLoadDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.PageLoadDelay):
			}
		}
	}

	return c.store.SaveProgress(task.CollectionProgress{
		Status:          task.StatusCompleted,
		ListURL:         cfg.ListURL,
		TaskDescription: cfg.TaskDescription,
		CurrentPageNum:  lastPage,
		CollectedCount:  collected.Cardinality(),
		BackoffLevel:    c.rate.Level(),
		LastUpdated:     time.Now(),
	})
}

// collectPage extracts every URL matching cfg.CommonDetailXPath on the
// current page, pushes the ones not already in collected onto the queue,
// and returns how many were new.
func (c *Collector) collectPage(ctx context.Context, cfg task.CollectionConfig, collected mapset.Set[string]) (int, error) {
	if cfg.CommonDetailXPath == "" {
		return 0, autoerr.NewValidation("collect_page", "collection config has no common detail xpath")
	}
	urls, err := extractMatchingHrefs(ctx, c.ctrl, cfg.CommonDetailXPath)
	if err != nil {
		return 0, err
	}

	var fresh []string
	for _, u := range urls {
		if !collected.Contains(u) {
			fresh = append(fresh, u)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	pushed, err := c.q.PushBatch(ctx, fresh, nil)
	if err != nil {
		return 0, autoerr.NewQueue("push_batch", err)
	}
	for _, u := range fresh {
		collected.Add(u)
		if err := c.store.AppendURL(u); err != nil {
			c.logger.Warn().Err(err).Str("url", u).Msg("failed to append url checkpoint")
		}
	}
	return pushed, nil
}

func (c *Collector) saveProgress(cfg task.CollectionConfig, page, collectedCount int) error {
	return c.store.SaveProgress(task.CollectionProgress{
		Status:          task.StatusRunning,
		ListURL:         cfg.ListURL,
		TaskDescription: cfg.TaskDescription,
		CurrentPageNum:  page,
		CollectedCount:  collectedCount,
		BackoffLevel:    c.rate.Level(),
		LastUpdated:     time.Now(),
	})
}

// extractMatchingHrefs evaluates the xpath against the current page and
// returns every matched element's href attribute, resolved to absolute
// URLs by the browser's own location context.
func extractMatchingHrefs(ctx context.Context, ctrl browser.Controller, xp string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script := `(xp) => {
		const result = document.evaluate(xp, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
		const out = [];
		for (let i = 0; i < result.snapshotLength; i++) {
			const node = result.snapshotItem(i);
			const href = node.getAttribute && node.getAttribute('href');
			if (href) out.push(new URL(href, document.baseURI).href);
		}
		return out;
	}`
	raw, err := ctrl.Page().Evaluate(script, xp)
	if err != nil {
		return nil, autoerr.NewBrowser("extract_hrefs", xp, err)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
