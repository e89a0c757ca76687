package spacer

import (
	"fmt"

	"github.com/coralnet/visionbackend/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewQueue constructs the queue selected by cfg.Queue. rdb is only used by
// the redis queue and may be nil otherwise.
func NewQueue(cfg config.SpacerConfig, rdb *redis.Client) (Queue, error) {
	switch cfg.Queue {
	case "local":
		return NewLocalQueue(NewProcessor()), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis spacer queue needs a redis client")
		}
		return NewRedisQueue(rdb), nil
	case "http":
		return NewHTTPClient(cfg.BaseURL, cfg.Token, cfg.Timeout, BreakerSettings{
			MaxRequests:  cfg.BreakerMaxRequests,
			Interval:     cfg.BreakerInterval,
			Timeout:      cfg.BreakerTimeout,
			FailureRatio: cfg.BreakerFailureRatio,
		}), nil
	default:
		return nil, fmt.Errorf("unknown spacer queue %q: must be one of local, redis, http", cfg.Queue)
	}
}
