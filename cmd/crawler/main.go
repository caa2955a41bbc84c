// Command crawler is the operator-facing entry point: explore a list page
// to learn its navigation/xpath patterns, run the whole concurrent
// collect-and-extract pipeline end to end, or resume an earlier run.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pinkllo/autospider-go/internal/config"
)

// interruptExitCode is the conventional 128+SIGINT exit status; the CLI
// uses it to signal a clean ctrl-C shutdown (progress/queue state left
// resumable) rather than a genuine command failure.
const interruptExitCode = 130

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:   "crawler",
		Short: "Vision-assisted list-to-detail web crawler",
	}

	root.AddCommand(
		newExploreCmd(),
		newRunCmd(),
		newResumeCmd(),
	)

	if err := root.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Msg("interrupted; progress checkpointed for resume")
			os.Exit(interruptExitCode)
		}
		log.Fatal().Err(err).Msg("command failed")
	}
}

// loadConfig is shared by every subcommand; it fails loudly since a
// missing or unreadable config at startup is one of the few conditions
// this program treats as fatal.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	return cfg
}
