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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collectorsrv"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the reference collector",
		Long: `Loads every experiment descriptor in the experiments directory, reloads
them as they change, and serves the session, log and heartbeat API.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	serveAddr        string
	serveExperiments string
	serveRedis       string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.listen_addr)")
	serveCmd.Flags().StringVar(&serveExperiments, "experiments", "", "experiments directory (overrides server.experiments_dir)")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "redis URL for shared assignment counters (overrides server.redis_url)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	sc := cfg.Server
	if serveAddr != "" {
		sc.ListenAddr = serveAddr
	}
	if serveExperiments != "" {
		sc.ExperimentsDir = serveExperiments
	}
	if serveRedis != "" {
		sc.RedisURL = serveRedis
	}
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	reg := collectorsrv.NewRegistry(log)
	n, err := reg.LoadDir(sc.ExperimentsDir)
	if err != nil {
		if n == 0 {
			return err
		}
		log.Warn("some experiments failed to load", slog.String("error", err.Error()))
	}

	opts := []collectorsrv.Option{
		collectorsrv.WithLogger(log),
		collectorsrv.WithMetrics(observability.Default()),
		collectorsrv.WithGatherer(prometheus.DefaultGatherer),
		collectorsrv.WithServiceName(cfg.Telemetry.ServiceName),
	}
	if sc.RedisURL != "" {
		counter, err := collectorsrv.NewRedisCounter(ctx, sc.RedisURL)
		if err != nil {
			return err
		}
		defer counter.Close()
		opts = append(opts, collectorsrv.WithCounter(counter))
	}
	srv := collectorsrv.New(reg, opts...)

	httpSrv := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := reg.Watch(gctx, sc.ExperimentsDir, sc.ReloadDebounce)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("collector listening",
			slog.String("addr", sc.ListenAddr),
			slog.Int("experiments", n),
			slog.Bool("redis", sc.RedisURL != ""))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	err = g.Wait()
	log.Info("collector stopped")
	return err
}
