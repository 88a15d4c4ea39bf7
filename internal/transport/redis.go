package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"rollingstats/internal/models"
)

// RedisPublisher publishes summary records to Redis.
//
// Each record is stored as the latest value under summary:{symbol}:{horizon}
// with a TTL, and appended to an output stream for downstream consumers.
type RedisPublisher struct {
	client    *redis.Client
	stream    string
	streamLen int64
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedisPublisher creates a new Redis publisher and verifies the connection.
func NewRedisPublisher(redisURL string, redisPassword string, stream string, ttl time.Duration, logger *slog.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if redisPassword != "" {
		opt.Password = redisPassword
	}

	client := redis.NewClient(opt)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		client:    client,
		stream:    stream,
		streamLen: 100000,
		ttl:       ttl,
		logger:    logger.With("component", "redis_publisher"),
	}, nil
}

// CacheKey returns the key holding the latest record for a (symbol, horizon).
func CacheKey(symbol string, horizonSec int64) string {
	return "summary:" + models.SummaryKey(symbol, horizonSec)
}

// Publish stores the record as the latest value and appends it to the stream.
// Connection and server errors are reported as ErrUnavailable.
func (p *RedisPublisher) Publish(ctx context.Context, record *models.SummaryRecord) error {
	startTime := time.Now()

	// Serialize record to JSON
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	cacheKey := CacheKey(record.Symbol, record.HorizonSec)

	// Latest value and stream entry go out in one MULTI/EXEC
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, cacheKey, jsonBytes, p.ttl)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.streamLen,
		Values: map[string]interface{}{"data": string(jsonBytes)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis publish failed: %v", ErrUnavailable, err)
	}

	p.logger.Debug("summary_cached",
		"symbol", record.Symbol,
		"horizon_sec", record.HorizonSec,
		"cache_key", cacheKey,
		"size_bytes", len(jsonBytes),
		"latency_ms", time.Since(startTime).Milliseconds(),
	)

	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
