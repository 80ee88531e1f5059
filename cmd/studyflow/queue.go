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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

var (
	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the local submission queue",
	}
	queueListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored submissions in delivery order",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	}
	queueRetryCmd = &cobra.Command{
		Use:   "retry [idempotency-key...]",
		Short: "Return failed submissions to pending",
		Long:  `Resets the named failed submissions, or every failed one with --all, so the next sync delivers them again.`,
		RunE:  runQueueRetry,
	}
	queuePruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete delivered submissions and synced events past retention",
		Args:  cobra.NoArgs,
		RunE:  runQueuePrune,
	}

	queueListSession string
	queueRetryAll    bool
)

func init() {
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queuePruneCmd)
	queueListCmd.Flags().StringVar(&queueListSession, "session", "", "only list submissions of this session")
	queueRetryCmd.Flags().BoolVar(&queueRetryAll, "all", false, "retry every failed submission")
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	d, err := openDevice(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer d.Close()

	items, err := d.queue.List(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSESSION\tKIND\tSTAGE\tSTATUS\tRETRIES\tQUEUED\tLAST ERROR")
	for _, s := range items {
		if queueListSession != "" && s.SessionID != queueListSession {
			continue
		}
		kind := subqueue.KindSubmit
		if s.IsJump() {
			kind = subqueue.KindJump
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.IdempotencyKey, s.SessionID, kind, s.StageID, s.Status, s.RetryCount,
			s.Timestamp.Local().Format(time.DateTime), s.LastError)
	}
	return w.Flush()
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	if queueRetryAll == (len(args) > 0) {
		return fmt.Errorf("give idempotency keys or --all, not both or neither")
	}
	d, err := openDevice(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer d.Close()

	if queueRetryAll {
		n, err := d.queue.RetryFailed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d failed submissions reset\n", n)
		return nil
	}
	for _, key := range args {
		if err := d.queue.Retry(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s\n", key, subqueue.StatusPending)
	}
	return nil
}

func runQueuePrune(cmd *cobra.Command, _ []string) error {
	d, err := openDevice(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer d.Close()

	res, err := d.coordinator(logger.Slog()).Prune(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d submissions, %d events, %d log records\n",
		res.Submissions, res.Events, res.Records)
	return nil
}
