package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClientWithBackoff pings until Redis answers or ctx ends.
func NewClientWithBackoff(ctx context.Context, cfg Config, log zerolog.Logger) (*redis.Client, error) {
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			log.Warn().Err(err).Str("addr", cfg.Addr).Dur("retry_in", backoff).Msg("redis not ready")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		return rdb, nil
	}
}
