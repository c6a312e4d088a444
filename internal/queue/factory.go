package queue

import (
	"context"
	"fmt"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

// NewQueueFromConfig creates a queue implementation based on the config type.
func NewQueueFromConfig(ctx context.Context, cfg *config.Config, logger syndicate.Logger) (*JobQueue, error) {
	maxAttempts := cfg.Queue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}

	switch cfg.Queue.Type {
	case "memory", "":
		return NewMemoryQueue(maxAttempts, logger), nil
	case "redis":
		if cfg.Queue.RedisURL == "" {
			return nil, fmt.Errorf("redis queue requires redis_url to be set")
		}
		return NewRedisQueue(ctx, cfg.Queue.RedisURL, cfg.QueueName(), maxAttempts, logger)
	default:
		return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
	}
}
