package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rollingstats/internal/models"
)

// WSPublisher streams summary records as JSON text frames to a WebSocket sink.
// The connection is dialed lazily and re-dialed on the next send after a
// failure, so a record that failed stays with the caller for a retry.
type WSPublisher struct {
	url         string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn

	logger *slog.Logger
}

// NewWSPublisher creates a publisher for the sink at url.
func NewWSPublisher(url string, logger *slog.Logger) *WSPublisher {
	return &WSPublisher{
		url:         url,
		dialTimeout: 5 * time.Second,
		logger:      logger.With("component", "ws_publisher", "url", url),
	}
}

func (p *WSPublisher) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	c, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return err
	}

	// Write-only: the read side only needs to process control frames.
	c.CloseRead(context.Background())
	p.conn = c

	p.logger.Info("ws_sink_connected")
	return nil
}

// Publish writes one record to the sink.
func (p *WSPublisher) Publish(ctx context.Context, record *models.SummaryRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.connect(ctx); err != nil {
			return fmt.Errorf("%w: ws dial failed: %v", ErrUnavailable, err)
		}
	}

	if err := wsjson.Write(ctx, p.conn, record); err != nil {
		_ = p.conn.Close(websocket.StatusInternalError, "write failed")
		p.conn = nil
		p.logger.Warn("ws_sink_write_failed", "symbol", record.Symbol, "error", err)
		return fmt.Errorf("%w: ws write failed: %v", ErrUnavailable, err)
	}

	return nil
}

// Close closes the sink connection if open.
func (p *WSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "closing")
	p.conn = nil
	return err
}
