package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepair/internal/config"
	"github.com/michaelbrown/codepair/internal/logging"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "codepair",
	Short: "CodePair - collaborative coding interview server",
	Long: `CodePair runs shared coding-interview sessions: a live editor document,
a participant roster and sandboxed code execution, kept in sync over websockets.

Finished sessions are archived locally and can be browsed with "codepair sessions".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./codepair.yaml or ~/.codepair/codepair.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}
