package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ConnectRedis dials Redis from a URL ("redis://host:port/db") and
// verifies the connection with a bounded ping. Callers own the client.
func ConnectRedis(ctx context.Context, url string, logger Logger) (*redis.Client, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url %q: %w: %v", url, ErrInvalidRequest, err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", map[string]interface{}{
		"operation": "redis_connect",
		"addr":      opts.Addr,
		"db":        opts.DB,
	})
	return client, nil
}
