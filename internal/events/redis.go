package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes events with PUBLISH on channel <prefix>.<type>.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis creates and verifies a Redis client for url.
func NewRedis(ctx context.Context, url, prefix string, logger *zap.Logger) (*Redis, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Connected to Redis", zap.String("addr", opts.Addr))
	return &Redis{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (p *Redis) Publish(ctx context.Context, e Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, e.Subject(p.prefix), data).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

func (p *Redis) Close() error {
	return p.rdb.Close()
}

var _ Publisher = (*Redis)(nil)
