package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinkllo/autospider-go/internal/explorer"
	"github.com/pinkllo/autospider-go/internal/task"
)

func newExploreCmd() *cobra.Command {
	var f crawlFlags
	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Learn navigation and detail-page xpaths from a list page, without collecting or extracting",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplore(f)
		},
	}
	bindCrawlFlags(cmd, &f)
	return cmd
}

func runExplore(f crawlFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	fields, err := loadFields(f.fieldsPath)
	if err != nil {
		return err
	}

	client := newLLMClient(cfg)
	launcher, ctrls, err := launchBrowsers(ctx, f.headless, 1)
	if err != nil {
		return err
	}
	defer launcher.Close()
	defer ctrls[0].Close(ctx)

	exp := explorer.New(ctrls[0], client, log.With().Str("comp", "explorer").Logger(), cfg.Agent.MaxSteps, cfg.Agent.MaxFailCount)
	t := task.Task{ListURL: f.listURL, TaskDescription: f.taskDesc, Fields: fields}

	collectionCfg, err := exp.Generate(ctx, t, cfg.URLCollector.ExploreCount, cfg.FieldExtract.ValidateCount)
	if err != nil {
		return err
	}

	store := newCheckpointStore(f.outputDir)
	if err := store.SaveConfig(collectionCfg); err != nil {
		return err
	}
	log.Info().Str("detail_xpath", collectionCfg.CommonDetailXPath).Str("pagination_xpath", collectionCfg.PaginationXPath).Msg("exploration complete")
	return nil
}
