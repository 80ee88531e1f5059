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
	"math/rand/v2"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
)

var (
	resolveCmd = &cobra.Command{
		Use:   "resolve <descriptor>",
		Short: "Resolve an experiment descriptor and print the visible stages",
		Long: `Builds the stage graph of a descriptor file and resolves it for one
seed and set of URL parameters, the way a new session would see it.
Counter-based orderings use a fresh in-memory counter.`,
		Args: cobra.ExactArgs(1),
		RunE: runResolve,
	}
	resolveSeed   int64
	resolveParams map[string]string
)

func init() {
	resolveCmd.Flags().Int64Var(&resolveSeed, "seed", 0, "randomization seed (default random)")
	resolveCmd.Flags().StringToStringVar(&resolveParams, "param", nil, "URL parameter key=value, repeatable")
}

type resolveOutput struct {
	ExperimentID string                `json:"experiment_id"`
	Seed         int64                 `json:"seed"`
	Stages       []datatypes.StageInfo `json:"stages"`
	Assignments  map[string]string     `json:"assignments"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	d, err := graph.LoadFile(args[0])
	if err != nil {
		return err
	}
	g, err := graph.Build(d)
	if err != nil {
		return err
	}
	seed := resolveSeed
	if !cmd.Flags().Changed("seed") {
		seed = rand.Int64()
	}

	res, err := graph.NewResolver(graph.WithLogger(logger.Slog())).Resolve(cmd.Context(), g, graph.Input{
		Seed:      seed,
		URLParams: resolveParams,
	})
	if err != nil {
		return err
	}

	out, err := sonic.ConfigStd.MarshalIndent(resolveOutput{
		ExperimentID: g.ExperimentID,
		Seed:         seed,
		Stages:       res.Stages,
		Assignments:  res.Assignments,
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
