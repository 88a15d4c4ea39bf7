package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
)

// TradeHandler receives validated trades. It is the ingestion port of the engine.
type TradeHandler func(t models.TradeRecord)

// Consumer reads trade records from one Redis stream using a consumer group.
// Messages are acknowledged once handled or once found undecodable, so a
// poison message is not redelivered forever.
type Consumer struct {
	client        *redis.Client
	streamKey     string
	consumerGroup string
	consumerName  string
	blockTime     time.Duration
	batchSize     int64
	handler       TradeHandler
	logger        *slog.Logger
	metrics       *instrumentation.Metrics
}

// Config holds consumer configuration.
type Config struct {
	StreamKey     string        // e.g. "trades:finnhub"
	ConsumerGroup string        // e.g. "rollingstats"
	ConsumerName  string        // e.g. "rollingstats-1"
	BlockTime     time.Duration // how long XREADGROUP blocks waiting for messages
	BatchSize     int64         // messages per read
}

// New creates a consumer on an existing client and makes sure the group exists.
// The client is shared between workers and is not closed by the consumer.
func New(ctx context.Context, client *redis.Client, cfg Config, handler TradeHandler, logger *slog.Logger, metrics *instrumentation.Metrics) (*Consumer, error) {
	if cfg.StreamKey == "" || cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("stream key and consumer group are required")
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = cfg.ConsumerGroup + "-1"
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	c := &Consumer{
		client:        client,
		streamKey:     cfg.StreamKey,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		blockTime:     cfg.BlockTime,
		batchSize:     cfg.BatchSize,
		handler:       handler,
		logger:        logger.With("component", "consumer", "stream_key", cfg.StreamKey),
		metrics:       metrics,
	}

	// Create consumer group (ignore error if already exists)
	err := client.XGroupCreateMkStream(ctx, cfg.StreamKey, cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("consumer_initialized",
		"consumer_group", cfg.ConsumerGroup,
		"consumer_name", cfg.ConsumerName,
	)

	return c, nil
}

// Start consumes the stream until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer_starting")

	backoff := 100 * time.Millisecond
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer_stopping")
			return ctx.Err()
		}

		// Read new messages for this consumer
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.consumerGroup,
			Consumer: c.consumerName,
			Streams:  []string{c.streamKey, ">"},
			Count:    c.batchSize,
			Block:    c.blockTime,
		}).Result()
		if err != nil {
			// Block timed out with nothing to read
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("xreadgroup_failed", "error", err, "backoff_ms", backoff.Milliseconds())
			if c.metrics != nil {
				c.metrics.RecordError("consumer", "xreadgroup_failed")
			}
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond

		// Process messages
		for _, stream := range streams {
			for _, message := range stream.Messages {
				if err := c.processMessage(message); err != nil {
					c.logger.Warn("message_rejected", "stream_id", message.ID, "error", err)
					if c.metrics != nil {
						c.metrics.RecordError("consumer", "message_rejected")
					}
				}

				// Handled messages are acked even while shutting down.
				if err := c.client.XAck(context.WithoutCancel(ctx), c.streamKey, c.consumerGroup, message.ID).Err(); err != nil {
					c.logger.Error("xack_failed", "stream_id", message.ID, "error", err)
				}
			}
		}
	}
}

// processMessage decodes the "data" field of a stream entry and hands the
// trade to the handler.
func (c *Consumer) processMessage(msg redis.XMessage) error {
	trade, err := DecodeTrade(msg.Values)
	if err != nil {
		return err
	}

	c.handler(trade)

	c.logger.Debug("trade_ingested",
		"stream_id", msg.ID,
		"symbol", trade.Symbol,
		"price", trade.Price,
		"volume", trade.Volume,
	)
	return nil
}

// DecodeTrade extracts and validates a TradeRecord from stream entry values
// of the form {data: <json>}.
func DecodeTrade(values map[string]interface{}) (models.TradeRecord, error) {
	var trade models.TradeRecord

	// Extract data field
	dataField, ok := values["data"]
	if !ok {
		return trade, fmt.Errorf("%w: message missing 'data' field", models.ErrInvalidTrade)
	}

	jsonBytes, ok := dataField.(string)
	if !ok {
		return trade, fmt.Errorf("%w: data field is not a string", models.ErrInvalidTrade)
	}

	// Parse JSON
	if err := json.Unmarshal([]byte(jsonBytes), &trade); err != nil {
		return trade, fmt.Errorf("%w: json unmarshal failed: %v", models.ErrInvalidTrade, err)
	}

	// Validate trade
	if err := models.ValidateTrade(&trade); err != nil {
		return trade, err
	}

	return trade, nil
}
