package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/extractor"
	"github.com/pinkllo/autospider-go/internal/pipeline"
	"github.com/pinkllo/autospider-go/internal/task"
)

func newRunCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: explore, then concurrently collect and extract",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(f)
		},
	}
	bindCrawlFlags(cmd, &f)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a previously checkpointed pipeline run from its last saved page",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(f)
		},
	}
	bindCrawlFlags(cmd, &f)
	return cmd
}

func runPipeline(f crawlFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	store := newCheckpointStore(f.outputDir)

	listURL, taskDesc := f.listURL, f.taskDesc
	if listURL == "" || taskDesc == "" {
		if existing, err := store.LoadConfig(); err == nil && existing != nil {
			if listURL == "" {
				listURL = existing.ListURL
			}
			if taskDesc == "" {
				taskDesc = existing.TaskDescription
			}
		}
	}

	fields, err := loadFields(f.fieldsPath)
	if err != nil {
		return err
	}
	t := task.Task{ListURL: listURL, TaskDescription: taskDesc, Fields: fields}

	client := newLLMClient(cfg)

	consumerCount := cfg.Pipeline.ConsumerConcurrency
	if consumerCount <= 0 {
		consumerCount = 1
	}
	launcher, ctrls, err := launchBrowsers(ctx, f.headless, 1+consumerCount)
	if err != nil {
		return err
	}
	defer launcher.Close()
	for _, c := range ctrls {
		defer c.Close(ctx)
	}
	listCtrl := ctrls[0]
	var detailCtrls []browser.Controller
	if len(ctrls) > 1 {
		detailCtrls = ctrls[1:]
	}

	q, err := newQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	outPath := filepath.Join(f.outputDir, "extracted_items.jsonl")
	outFile, err := os.OpenFile(outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer outFile.Close()

	sink := extractor.Sink(func(result task.ExtractionResult) error {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		_, err = outFile.Write(append(data, '\n'))
		return err
	})

	summary, err := pipeline.Run(ctx, cfg, t, listCtrl, detailCtrls, client, q, store, log.With().Str("comp", "pipeline").Logger(), sink)
	if err != nil {
		return err
	}
	log.Info().Int("total", summary.TotalItems).Int("success", summary.SuccessCount).Msg("pipeline run complete")
	return nil
}
