// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package subqueue

import (
	"context"
	"time"
)

const (
	// DefaultBaseDelay is the wait before the first retry.
	DefaultBaseDelay = time.Second

	// DefaultMaxDelay caps the wait between attempts.
	DefaultMaxDelay = 30 * time.Second

	// DefaultMaxRetries is the retry ceiling after which an item fails.
	DefaultMaxRetries = 5
)

// Backoff returns the wait before attempting an item that has already
// failed retries times: zero for a fresh item, then base, 2·base, 4·base
// and so on, capped at max.
func Backoff(retries int, base, max time.Duration) time.Duration {
	if retries <= 0 || base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

// Clock abstracts time for the drain loop.
type Clock interface {
	Now() time.Time

	// Sleep waits for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
