// Package redis provides the shared go-redis connector used by the
// Work Queue (C2) and anything else in the module that needs Redis.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NewClientFromURL parses a redis:// URL (QUEUE_URL in §6) and returns
// a connected, ping-verified client, following the teacher's
// construct-then-ping idiom (internal/clients/redis.NewSSEBus).
func NewClientFromURL(rawURL string) (*goredis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("missing QUEUE_URL")
	}

	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse QUEUE_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}
