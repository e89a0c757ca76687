package spacer_test

import (
	"testing"
	"time"

	"github.com/coralnet/visionbackend/internal/config"
	"github.com/coralnet/visionbackend/internal/spacer"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue_Local(t *testing.T) {
	q, err := spacer.NewQueue(config.SpacerConfig{Queue: "local"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &spacer.LocalQueue{}, q)
}

func TestNewQueue_Redis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()

	q, err := spacer.NewQueue(config.SpacerConfig{Queue: "redis"}, rdb)
	require.NoError(t, err)
	assert.IsType(t, &spacer.RedisQueue{}, q)
	assert.Implements(t, (*spacer.LostDetector)(nil), q)
}

func TestNewQueue_RedisNeedsClient(t *testing.T) {
	_, err := spacer.NewQueue(config.SpacerConfig{Queue: "redis"}, nil)
	assert.Error(t, err)
}

func TestNewQueue_HTTP(t *testing.T) {
	q, err := spacer.NewQueue(config.SpacerConfig{
		Queue:   "http",
		BaseURL: "http://spacer:8000",
		Timeout: time.Second,
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &spacer.HTTPClient{}, q)
}

func TestNewQueue_Unknown(t *testing.T) {
	_, err := spacer.NewQueue(config.SpacerConfig{Queue: "batch"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown spacer queue")
}
