// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/config"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

var (
	rootCmd = &cobra.Command{
		Use:   "studyflow",
		Short: "Run and maintain StudyFlow behavioral studies",
		Long: `StudyFlow serves multi-stage behavioral studies and keeps participant
submissions durable on the device until the collector has them.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./studyflow.yaml or ~/.studyflow/studyflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	l, err := newLogger(loaded.Logging, "studyflow-"+cmd.Name(), os.Stderr)
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	slog.SetDefault(logger.Slog())
	return nil
}

func teardown(*cobra.Command, []string) error {
	if logger == nil {
		return nil
	}
	return logger.Close()
}

// newLogger builds the process logger. "auto" picks text on a terminal and
// JSON otherwise.
func newLogger(lc config.LoggingConfig, service string, out *os.File) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return logging.New(logging.Config{
		Level:    level,
		LogDir:   lc.Dir,
		Service:  service,
		JSON:     jsonOutput(lc.Format, out),
		Output:   out,
		Exporter: observability.NewLogExporter(observability.Default()),
	}), nil
}

func jsonOutput(format string, out *os.File) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}
	fd := out.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}
