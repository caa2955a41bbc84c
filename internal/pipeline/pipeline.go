// Package pipeline wires the whole crawl together: one Explorer pass to
// learn navigation xpaths (skipped when a compatible CollectionConfig is
// already saved), a field-learning goroutine that learns field xpaths from
// the first collected URLs, then a producer goroutine (Collector)
// and N consumer goroutines (Extractor) sharing a single work queue and
// checkpoint store, so list collection and detail extraction run
// concurrently rather than as sequential phases.
//
// Ported from pipeline/runner.py's run_pipeline: separate browser sessions
// for the list and detail pages to avoid navigation contention between the
// producer and consumers, a readiness gate so consumers don't start
// against an empty field-xpath set, and a JSONL sink for extracted items.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/checkpoint"
	"github.com/pinkllo/autospider-go/internal/collector"
	"github.com/pinkllo/autospider-go/internal/config"
	"github.com/pinkllo/autospider-go/internal/explorer"
	"github.com/pinkllo/autospider-go/internal/extractor"
	"github.com/pinkllo/autospider-go/internal/fieldlearn"
	"github.com/pinkllo/autospider-go/internal/llm"
	"github.com/pinkllo/autospider-go/internal/queue"
	"github.com/pinkllo/autospider-go/internal/ratelimit"
	"github.com/pinkllo/autospider-go/internal/resume"
	"github.com/pinkllo/autospider-go/internal/task"
)

// Summary reports the run's outcome for CLI/output purposes.
type Summary struct {
	ListURL        string
	TaskDescription string
	TotalItems     int
	SuccessCount   int
}

// Run executes the full explore -> collect/extract pipeline for t. q is
// the caller-constructed work queue (memory or Redis, per
// config.Pipeline.Mode); store persists resumable progress; sink receives
// every completed ExtractionResult.
func Run(
	ctx context.Context,
	cfg *config.Config,
	t task.Task,
	listCtrl browser.Controller,
	detailControllers []browser.Controller,
	client llm.Client,
	q queue.Queue,
	store *checkpoint.Store,
	logger zerolog.Logger,
	sink extractor.Sink,
) (Summary, error) {
	summary := Summary{ListURL: t.ListURL, TaskDescription: t.TaskDescription}

	collectionCfg, err := store.LoadConfig()
	if err != nil {
		return summary, err
	}
	if collectionCfg == nil || !compatibleTask(*collectionCfg, t) {
		exp := explorer.New(listCtrl, client, logger, cfg.Agent.MaxSteps, cfg.Agent.MaxFailCount)
		generated, err := exp.Generate(ctx, t, cfg.URLCollector.ExploreCount, cfg.FieldExtract.ValidateCount)
		if err != nil {
			return summary, err
		}
		collectionCfg = &generated
		if err := store.SaveConfig(*collectionCfg); err != nil {
			logger.Warn().Err(err).Msg("failed to persist collection config")
		}
	}

	rate := ratelimit.New(cfg.URLCollector.ActionDelayBase, cfg.URLCollector.BackoffFactor, cfg.URLCollector.MaxBackoffLevel, cfg.URLCollector.CreditRecoveryPages)
	resumer := resume.NewCoordinator(logger)
	coll := collector.New(listCtrl, q, store, rate, resumer, logger)

	var fieldXPaths []task.CommonFieldXPath
	var fieldMu sync.RWMutex
	fieldsReady := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		opts := collector.Options{
			TargetURLCount:    cfg.URLCollector.TargetURLCount,
			MaxPages:          cfg.URLCollector.MaxPages,
			NoNewURLThreshold: cfg.URLCollector.NoNewURLThreshold,
			PageLoadDelay:     cfg.URLCollector.PageLoadDelay,
		}
		if err := coll.Run(ctx, *collectionCfg, opts); err != nil {
			logger.Warn().Err(err).Msg("collector run ended with error")
		}
		if errs := coll.Errs(); errs != nil {
			logger.Debug().Err(errs).Msg("collector accumulated per-page errors across the run")
		}
	}()

	// Learn field xpaths concurrently with collection, using the same
	// detail-sample URLs the explorer would otherwise have to revisit:
	// the collector appends to store's urls.txt as it goes, so give it a
	// moment's head start by sampling once a handful of URLs exist.
	wg.Add(1)
	go func() {
		defer wg.Done()
		sampleURLs := waitForSamples(ctx, store, cfg.FieldExtract.ExploreCount+cfg.FieldExtract.ValidateCount)
		if len(sampleURLs) == 0 {
			close(fieldsReady)
			return
		}
		learnerCtrl := listCtrl
		if len(detailControllers) > 0 {
			learnerCtrl = detailControllers[0]
		}
		learner := fieldlearn.New(learnerCtrl, client, logger, cfg.FieldExtract.ExploreCount, cfg.FieldExtract.ValidateCount, cfg.FieldExtract.FuzzyMatchThreshold)
		learned, err := learner.Learn(ctx, t.Fields, sampleURLs)
		if err != nil {
			logger.Warn().Err(err).Msg("field learning encountered errors")
		}
		fieldMu.Lock()
		fieldXPaths = learned
		fieldMu.Unlock()
		close(fieldsReady)
	}()

	select {
	case <-ctx.Done():
		wg.Wait()
		return summary, ctx.Err()
	case <-fieldsReady:
	}

	fieldMu.RLock()
	fx := fieldXPaths
	fieldMu.RUnlock()

	consumerCount := cfg.Pipeline.ConsumerConcurrency
	if consumerCount <= 0 {
		consumerCount = 1
	}
	if consumerCount > len(detailControllers) {
		consumerCount = len(detailControllers)
	}
	if consumerCount == 0 {
		consumerCount = 1
	}

	var mu sync.Mutex
	for i := 0; i < consumerCount; i++ {
		wg.Add(1)
		idx := i
		ctrl := listCtrl
		if idx < len(detailControllers) {
			ctrl = detailControllers[idx]
		}
		go func() {
			defer wg.Done()
			healer := fieldlearn.New(ctrl, client, logger, cfg.FieldExtract.ExploreCount, cfg.FieldExtract.ValidateCount, cfg.FieldExtract.FuzzyMatchThreshold)
			ex := extractor.New(ctrl, q, consumerName(idx), cfg.Redis.MaxRetries, t.Fields, healer, logger)
			countingSink := func(r task.ExtractionResult) error {
				mu.Lock()
				summary.TotalItems++
				if r.Success {
					summary.SuccessCount++
				}
				mu.Unlock()
				if sink != nil {
					return sink(r)
				}
				return nil
			}
			_ = ex.RunLoop(ctx, fx, cfg.Redis.FetchBlockMs, cfg.Redis.FetchBatchSize, countingSink)
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func compatibleTask(cfg task.CollectionConfig, t task.Task) bool {
	return cfg.ListURL == t.ListURL && cfg.TaskDescription == t.TaskDescription
}

func consumerName(idx int) string {
	return fmt.Sprintf("extractor-%d", idx)
}

// waitForSamples polls the checkpoint's collected-URL log until at least
// want URLs are available or ctx is canceled, so field learning can sample
// real detail pages without waiting for the full collection run to finish.
func waitForSamples(ctx context.Context, store *checkpoint.Store, want int) []string {
	if want <= 0 {
		want = 2
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		set, err := store.LoadCollectedURLs()
		if err == nil && set.Cardinality() >= want {
			out := make([]string, 0, want)
			for _, u := range set.ToSlice() {
				out = append(out, u)
				if len(out) >= want {
					break
				}
			}
			return out
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}
