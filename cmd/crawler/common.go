package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinkllo/autospider-go/internal/browser"
	"github.com/pinkllo/autospider-go/internal/checkpoint"
	"github.com/pinkllo/autospider-go/internal/config"
	"github.com/pinkllo/autospider-go/internal/llm"
	"github.com/pinkllo/autospider-go/internal/queue"
	"github.com/pinkllo/autospider-go/internal/task"
)

// crawlFlags are the flags every subcommand that drives a browser shares.
type crawlFlags struct {
	listURL   string
	taskDesc  string
	fieldsPath string
	outputDir string
	headless  bool
}

func bindCrawlFlags(cmd *cobra.Command, f *crawlFlags) {
	cmd.Flags().StringVar(&f.listURL, "list-url", "", "URL of the list page to crawl")
	cmd.Flags().StringVar(&f.taskDesc, "task", "", "Natural-language description of what to filter/collect")
	cmd.Flags().StringVar(&f.fieldsPath, "fields", "", "Path to a JSON file describing the fields to extract")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "output", "Directory for checkpoints and extracted output")
	cmd.Flags().BoolVar(&f.headless, "headless", false, "Run the browser headless")
}

func loadFields(path string) ([]task.FieldDefinition, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fields []task.FieldDefinition
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// newLLMClient builds the configured vision-LLM client, exiting the
// process on a missing-credentials startup error per the fatal-error
// taxonomy.
func newLLMClient(cfg *config.Config) llm.Client {
	client, err := llm.NewFromConfig(cfg.LLM, log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm client init")
	}
	return client
}

// launchBrowsers starts one shared Playwright process and opens n
// independent contexts/pages against it, so the list-page collector and
// detail-page extractors never contend over the same tab.
func launchBrowsers(ctx context.Context, headless bool, n int) (*browser.Launcher, []browser.Controller, error) {
	launcher, err := browser.NewLauncher(ctx, headless)
	if err != nil {
		return nil, nil, err
	}
	ctrls := make([]browser.Controller, 0, n)
	for i := 0; i < n; i++ {
		ctrl, err := launcher.NewController(ctx, "")
		if err != nil {
			_ = launcher.Close()
			return nil, nil, err
		}
		ctrls = append(ctrls, ctrl)
	}
	return launcher, ctrls, nil
}

// newQueue builds the configured work queue backend.
func newQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	if cfg.Pipeline.Mode == "redis" || cfg.Redis.Enabled {
		addr := cfg.Redis.Host
		if cfg.Redis.Port != 0 {
			addr = addr + ":" + strconv.Itoa(cfg.Redis.Port)
		}
		return queue.NewRedisQueue(ctx, addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix, log.With().Str("comp", "queue").Logger())
	}
	return queue.NewMemQueue(), nil
}

func newCheckpointStore(outputDir string) *checkpoint.Store {
	return checkpoint.NewStore(outputDir)
}
