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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/syncer"
)

var (
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued submissions and events to the collector",
		Long: `Checks the collector heartbeat and, when it answers, drains the
submission queue in order and flushes pending events. With --watch the
command keeps probing and drains again every time the collector comes back.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
	syncRetryFailed bool
	syncWatch       bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "reset failed submissions before draining")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep running and drain on every reconnect")
}

func runSync(cmd *cobra.Command, _ []string) error {
	log := logger.Slog()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()
	instruments, err := observability.NewInstruments(nil)
	if err != nil {
		return err
	}

	d, err := openDevice(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()
	coord := d.coordinator(log, syncer.WithInstruments(instruments))

	if syncWatch {
		return watch(ctx, d, coord)
	}

	if !d.check(ctx) {
		fmt.Fprintln(cmd.OutOrStdout(), "collector unreachable, nothing sent")
		return nil
	}
	var res syncer.Result
	if syncRetryFailed {
		res, err = coord.RetrySync(ctx)
	} else {
		res, err = coord.OnLoad(ctx)
	}
	printResult(cmd, res)
	return err
}

func watch(ctx context.Context, d *device, coord *syncer.Coordinator) error {
	if syncRetryFailed {
		if _, err := d.queue.RetryFailed(ctx); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.monitor.Run(gctx, d.checker, cfg.Sync.CheckInterval)
		return nil
	})
	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func printResult(cmd *cobra.Command, res syncer.Result) {
	s := res.Submissions
	fmt.Fprintf(cmd.OutOrStdout(), "delivered %d submissions in %d attempts, sent %d events (%s)\n",
		s.Delivered, s.Attempts, res.Events.Sent, res.Duration.Round(time.Millisecond))
	if s.Halted != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "queue halted at failed submission %s; run 'studyflow queue retry %s' after fixing it\n", s.Halted, s.Halted)
	}
	if s.Offline {
		fmt.Fprintln(cmd.OutOrStdout(), "connection lost during drain; remaining items stay queued")
	}
}
