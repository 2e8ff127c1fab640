package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level, err := zerolog.ParseLevel(os.Getenv("CLARA_LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clara-supervisor",
		Short: "Local LLM runtime supervisor",
		Long:  "Discovers GGUF models, provisions inference binaries and supervises the llama-swap proxy.",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newVersionCmd())
	return root
}
