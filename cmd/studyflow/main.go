// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command studyflow runs the StudyFlow reference collector and the
// device-side maintenance commands.
//
// # Commands
//
//   - serve: Start the reference collector over an experiments directory.
//   - resolve: Resolve a descriptor for a seed and print the visible stages.
//   - queue list|retry|prune: Inspect and repair the local submission queue.
//   - sync: Drain the local queues to the collector once, or continuously
//     with --watch.
//
// # Configuration
//
// A .env file in the working directory is loaded into the environment
// first. Settings then come from --config (or studyflow.yaml) and
// STUDYFLOW_* variables; see services/studyflow/config.
//
// # Usage
//
//	go build -o studyflow ./cmd/studyflow
//	./studyflow serve --experiments ./experiments
//	./studyflow resolve experiments/demo.yaml --seed 42 --param cohort=b
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
