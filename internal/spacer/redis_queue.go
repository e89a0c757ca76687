package spacer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys shared with the compute workers.
const (
	jobsKey       = "spacer:jobs"        // list of JobMsg, LPUSH by us, RPOP by workers
	resultsKey    = "spacer:results"     // list of JobReturnMsg, LPUSH by workers, RPOP by us
	submittedKey  = "spacer:submitted"   // zset: score=submitted_at_unix, member=job_token
	jobsDLQKey    = "spacer:jobs:dlq"    // undecodable job payloads
	resultsDLQKey = "spacer:results:dlq" // undecodable result payloads
)

// RedisQueue exchanges messages with compute workers through Redis lists.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Submit(ctx context.Context, msg *JobMsg) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	if msg.SubmittedAt.IsZero() {
		msg.SubmittedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, jobsKey, data)
	pipe.ZAdd(ctx, submittedKey, redis.Z{
		Score:  float64(msg.SubmittedAt.Unix()),
		Member: msg.JobToken,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
	}
	return nil
}

func (q *RedisQueue) Next(ctx context.Context) (*JobReturnMsg, error) {
	for {
		raw, err := q.rdb.RPop(ctx, resultsKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
		}

		var res JobReturnMsg
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			// Park it so the collector doesn't trip over it again.
			slog.Error("undecodable spacer result", "error", err)
			if err := q.rdb.LPush(ctx, resultsDLQKey, raw).Err(); err != nil {
				return nil, fmt.Errorf("move result to dlq: %w", err)
			}
			continue
		}

		if err := q.rdb.ZRem(ctx, submittedKey, res.JobToken()).Err(); err != nil {
			slog.Warn("could not forget submitted spacer job", "job_token", res.JobToken(), "error", err)
		}
		return &res, nil
	}
}

func (q *RedisQueue) Lost(ctx context.Context, submittedBefore time.Time) ([]string, error) {
	tokens, err := q.rdb.ZRangeByScore(ctx, submittedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(submittedBefore.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list submitted spacer jobs: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	members := make([]any, len(tokens))
	for i, t := range tokens {
		members[i] = t
	}
	if err := q.rdb.ZRem(ctx, submittedKey, members...).Err(); err != nil {
		return nil, fmt.Errorf("forget lost spacer jobs: %w", err)
	}
	return tokens, nil
}

// ProcessNext pops one submitted job, runs it through p and pushes the
// result. It reports false when no job was waiting. This lets a development
// worker stand in for the compute service.
func (q *RedisQueue) ProcessNext(ctx context.Context, p *Processor) (bool, error) {
	raw, err := q.rdb.RPop(ctx, jobsKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSpacerUnreachable, err)
	}

	var msg JobMsg
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.Error("undecodable spacer job", "error", err)
		if err := q.rdb.LPush(ctx, jobsDLQKey, raw).Err(); err != nil {
			return true, fmt.Errorf("move job to dlq: %w", err)
		}
		return true, nil
	}

	data, err := json.Marshal(p.Process(&msg))
	if err != nil {
		return true, fmt.Errorf("marshal job result: %w", err)
	}
	if err := q.rdb.LPush(ctx, resultsKey, data).Err(); err != nil {
		return true, fmt.Errorf("push job result: %w", err)
	}
	return true, nil
}
