package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
)

// DefaultLimit is the queue capacity used when none is configured.
const DefaultLimit = 10000

// TradeServer relays raw trades to WebSocket subscribers. Trades wait in one
// bounded FIFO shared by every connection, so each trade goes to exactly one
// subscriber. When the queue is full the oldest trade is dropped.
type TradeServer struct {
	limit int

	mu    sync.Mutex
	queue []models.TradeRecord

	// notify holds a token while the queue may be non-empty.
	notify chan struct{}

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// NewTradeServer creates a relay holding at most limit trades.
func NewTradeServer(limit int, logger *slog.Logger, metrics *instrumentation.Metrics) *TradeServer {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &TradeServer{
		limit:   limit,
		notify:  make(chan struct{}, 1),
		logger:  logger.With("component", "trade_broadcast"),
		metrics: metrics,
	}
}

// Add queues t for the next subscriber. It never blocks.
func (s *TradeServer) Add(t models.TradeRecord) {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.limit {
		s.queue[0] = models.TradeRecord{}
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, t)
	n := len(s.queue)
	s.mu.Unlock()

	if s.metrics != nil {
		if dropped {
			s.metrics.RecordBroadcastDropped()
		}
		s.metrics.RecordBroadcastQueued(n)
	}
	s.signal()
}

// Len returns the number of queued trades.
func (s *TradeServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *TradeServer) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop waits for the oldest trade or for ctx to end.
func (s *TradeServer) pop(ctx context.Context) (models.TradeRecord, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			t := s.queue[0]
			s.queue[0] = models.TradeRecord{}
			s.queue = s.queue[1:]
			n := len(s.queue)
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.RecordBroadcastQueued(n)
			}

			// Pass the token on so other subscribers wake up too.
			if n > 0 {
				s.signal()
			}
			return t, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return models.TradeRecord{}, ctx.Err()
		}
	}
}

// pushFront returns an unsent trade to the head of the queue. It is dropped
// instead if the queue refilled to capacity meanwhile.
func (s *TradeServer) pushFront(t models.TradeRecord) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordBroadcastDropped()
		}
		return
	}
	s.queue = append([]models.TradeRecord{t}, s.queue...)
	s.mu.Unlock()
	s.signal()
}

// ServeHTTP upgrades the request and streams queued trades as JSON text
// frames until the subscriber goes away.
func (s *TradeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("subscriber_upgrade_failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "")

	// Subscribers only listen; CloseRead handles their control frames and
	// cancels ctx once they disconnect.
	ctx := c.CloseRead(r.Context())
	s.logger.Info("subscriber_connected", "remote_addr", r.RemoteAddr)

	for {
		t, err := s.pop(ctx)
		if err != nil {
			s.logger.Info("subscriber_disconnected", "remote_addr", r.RemoteAddr)
			c.Close(websocket.StatusNormalClosure, "")
			return
		}

		if err := wsjson.Write(ctx, c, t); err != nil {
			s.pushFront(t)
			s.logger.Warn("subscriber_write_failed", "remote_addr", r.RemoteAddr, "symbol", t.Symbol, "error", err)
			if s.metrics != nil {
				s.metrics.RecordError("trade_broadcast", "write_failed")
			}
			return
		}
	}
}
