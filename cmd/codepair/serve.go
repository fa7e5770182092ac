package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepair/internal/config"
	"github.com/michaelbrown/codepair/internal/language"
	"github.com/michaelbrown/codepair/internal/sandbox"
	"github.com/michaelbrown/codepair/internal/server"
	"github.com/michaelbrown/codepair/internal/storage"
	"github.com/michaelbrown/codepair/internal/storage/sqlite"
)

var (
	portFlag          int
	executionModeFlag string
	noArchiveFlag     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CodePair server",
	Long: `Start the CodePair HTTP server with REST API and WebSocket support.

API endpoints are under /api/v1; clients join a session at /ws/sessions/{id}.

Examples:
  codepair serve
  codepair serve --port 9090
  codepair serve --execution-mode process`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&executionModeFlag, "execution-mode", "", "Execution backend: disabled, process, docker or mcp (overrides config)")
	serveCmd.Flags().BoolVar(&noArchiveFlag, "no-archive", false, "Do not archive finished sessions")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.Server.Port = portFlag
	}
	if executionModeFlag != "" {
		cfg.Execution.Mode = executionModeFlag
	}
	if noArchiveFlag {
		cfg.Archive.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	catalog := language.Default()
	if cfg.Languages.File != "" {
		catalog, err = language.Load(cfg.Languages.File)
		if err != nil {
			return fmt.Errorf("loading languages: %w", err)
		}
	}

	sb, err := sandbox.ForMode(cfg.Execution.Mode, executionPolicy(cfg), cfg.Execution.RunnerBinary, logger)
	if err != nil {
		return err
	}
	if c, ok := sb.(io.Closer); ok {
		defer c.Close()
	}
	logger.Info("execution backend", "mode", cfg.Execution.Mode)

	var archive storage.Archive
	if cfg.Archive.Enabled {
		a, err := sqlite.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer a.Close()
		archive = a
		logger.Info("archiving finished sessions", "path", cfg.Archive.Path)
	}

	srv := server.New(cfg, server.Deps{
		Catalog: catalog,
		Sandbox: sb,
		Archive: archive,
		Logger:  logger,
		Version: version,
	})

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// executionPolicy maps the execution settings onto a sandbox policy.
func executionPolicy(cfg *config.Config) sandbox.Policy {
	p := sandbox.DefaultPolicy()
	ex := cfg.Execution
	p.Timeout = ex.Timeout
	p.CompileTimeout = ex.CompileTimeout
	p.MaxOutput = ex.MaxOutputSize
	p.Limits = sandbox.Limits{
		CPUSeconds:   ex.CPUSeconds,
		AddressSpace: ex.MemoryMB << 20,
		FileSize:     ex.FileSizeKB << 10,
		Processes:    ex.MaxProcesses,
	}
	if ex.Docker.Memory != "" {
		p.Memory = ex.Docker.Memory
	}
	for lang, img := range ex.Docker.Images {
		p.Images[lang] = img
	}
	return p
}
