// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collectorsrv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
)

const counterPrefix = "studyflow:counter:"

// RedisCounter shares assignment tallies between collector replicas.
// Balanced tallies live in a hash per key; rotation positions are plain
// counters.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects to url (redis://...) and pings it.
func NewRedisCounter(ctx context.Context, url string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCounter{client: client, prefix: counterPrefix}, nil
}

// WithPrefix returns a counter sharing the connection under another key
// prefix.
func (c *RedisCounter) WithPrefix(prefix string) *RedisCounter {
	return &RedisCounter{client: c.client, prefix: prefix}
}

// Close closes the connection.
func (c *RedisCounter) Close() error { return c.client.Close() }

// Counts implements graph.Counter.
func (c *RedisCounter) Counts(ctx context.Context, key string, childIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(childIDs))
	if len(childIDs) == 0 {
		return out, nil
	}
	vals, err := c.client.HMGet(ctx, c.prefix+key, childIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("read counts %s: %w", key, err)
	}
	for i, id := range childIDs {
		var n int64
		if s, ok := vals[i].(string); ok {
			if _, err := fmt.Sscan(s, &n); err != nil {
				return nil, fmt.Errorf("parse count %s/%s: %w", key, id, err)
			}
		}
		out[id] = n
	}
	return out, nil
}

// Record implements graph.Counter.
func (c *RedisCounter) Record(ctx context.Context, key, childID string) error {
	if err := c.client.HIncrBy(ctx, c.prefix+key, childID, 1).Err(); err != nil {
		return fmt.Errorf("record %s/%s: %w", key, childID, err)
	}
	return nil
}

// Next implements graph.Counter. Positions start at zero.
func (c *RedisCounter) Next(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, c.prefix+"pos:"+key).Result()
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", key, err)
	}
	return n - 1, nil
}

var _ graph.Counter = (*RedisCounter)(nil)
