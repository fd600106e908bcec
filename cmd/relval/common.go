package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/deixis/relval/internal/config"
	"github.com/deixis/relval/internal/logging"
	"github.com/deixis/relval/internal/runner"
)

// loadConfig reads an explicit config file, or looks for .relval.yaml
// upward from the working directory.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining working directory: %w", err)
	}
	loaded, err := config.Load(wd)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return loaded.Config, nil
}

func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	return logging.New(logging.Options{
		File:   cfg.Log.File,
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Stderr: stderr,
	})
}

func newRunner(cfg *config.Config, dir string) *runner.Runner {
	return &runner.Runner{
		Dir:       dir,
		Timeout:   cfg.Timeout.Duration,
		MaxOutput: cfg.MaxOutput,
		Spool:     cfg.Spool,
	}
}
