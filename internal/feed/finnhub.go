package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
)

// DefaultURL is the Finnhub trade stream endpoint.
const DefaultURL = "wss://ws.finnhub.io"

const maxReconnectDelay = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// TradeHandler receives every trade parsed from the feed.
type TradeHandler func(t models.TradeRecord)

// Config holds Finnhub connection settings.
type Config struct {
	URL     string
	Token   string
	Symbols []string
}

// Finnhub streams trades for a fixed symbol list and reconnects with
// exponential backoff when the connection drops.
type Finnhub struct {
	cfg     Config
	handler TradeHandler
	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

type envelope struct {
	Type string         `json:"type"`
	Data []finnhubTrade `json:"data"`
}

type finnhubTrade struct {
	Symbol     string            `json:"s"`
	Price      json.RawMessage   `json:"p"`
	Volume     json.RawMessage   `json:"v"`
	Timestamp  int64             `json:"t"`
	Conditions []json.RawMessage `json:"c"`
}

type subscription struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// NewFinnhub creates a feed client.
func NewFinnhub(cfg Config, handler TradeHandler, logger *slog.Logger, metrics *instrumentation.Metrics) (*Finnhub, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("finnhub token is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol must be subscribed")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}

	return &Finnhub{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "finnhub"),
		metrics: metrics,
	}, nil
}

// Run keeps a session open until ctx is cancelled.
func (f *Finnhub) Run(ctx context.Context) error {
	delay := time.Second
	for {
		started := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			f.logger.Info("feed_stopped")
			return nil
		}

		// A session that stayed up for a while resets the backoff.
		if time.Since(started) > maxReconnectDelay {
			delay = time.Second
		}

		f.logger.Warn("feed_disconnected", "error", err, "reconnect_in_ms", delay.Milliseconds())
		if f.metrics != nil {
			f.metrics.RecordError("finnhub", "disconnected")
		}

		select {
		case <-ctx.Done():
			f.logger.Info("feed_stopped")
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *Finnhub) dialURL() (string, error) {
	u, err := url.Parse(f.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid finnhub URL: %w", err)
	}
	q := u.Query()
	q.Set("token", f.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Finnhub) session(ctx context.Context) error {
	addr, err := f.dialURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, addr, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")
	conn.SetReadLimit(1 << 20)

	for _, symbol := range f.cfg.Symbols {
		if err := wsjson.Write(ctx, conn, subscription{Type: "subscribe", Symbol: symbol}); err != nil {
			return fmt.Errorf("subscribe %s failed: %w", symbol, err)
		}
	}
	f.logger.Info("feed_connected", "symbols", len(f.cfg.Symbols))

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		kind, trades, err := ParseMessage(data, f.logger)
		if err != nil {
			f.logger.Warn("message_unparsable", "error", err)
			if f.metrics != nil {
				f.metrics.RecordError("finnhub", "message_unparsable")
			}
			continue
		}

		switch kind {
		case "ping":
			if err := wsjson.Write(ctx, conn, map[string]string{"type": "pong"}); err != nil {
				return fmt.Errorf("pong failed: %w", err)
			}
		case "trade":
			for _, t := range trades {
				f.handler(t)
			}
		case "error":
			f.logger.Error("feed_error", "data", string(data))
		}
	}
}

// ParseMessage decodes one Finnhub frame and returns its type along with
// any trades it carries. Prices become integer cents; a price or volume that
// cannot be read becomes models.Sentinel and is logged. Condition codes above
// 63 are dropped from the bitset.
func ParseMessage(data []byte, logger *slog.Logger) (string, []models.TradeRecord, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("json unmarshal failed: %w", err)
	}
	if env.Type != "trade" {
		return env.Type, nil, nil
	}

	trades := make([]models.TradeRecord, 0, len(env.Data))
	for _, raw := range env.Data {
		t := models.TradeRecord{
			Symbol:     raw.Symbol,
			Timestamp:  raw.Timestamp,
			Conditions: conditionSet(raw.Conditions),
		}

		price, err := parseDecimal(raw.Price)
		if err != nil {
			logger.Warn("price_unparsable", "symbol", raw.Symbol, "value", string(raw.Price), "error", err)
			t.Price = models.Sentinel
		} else {
			t.Price = price.Mul(hundred).IntPart()
		}

		volume, err := parseDecimal(raw.Volume)
		if err != nil {
			logger.Warn("volume_unparsable", "symbol", raw.Symbol, "value", string(raw.Volume), "error", err)
			t.Volume = models.Sentinel
		} else {
			t.Volume = volume.IntPart()
		}

		trades = append(trades, t)
	}
	return env.Type, trades, nil
}

// parseDecimal accepts a JSON number or a quoted number.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, errors.New("missing value")
	}
	s := string(bytes.Trim(raw, `"`))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative value %s", s)
	}
	return d, nil
}

func conditionSet(codes []json.RawMessage) uint64 {
	var set uint64
	for _, raw := range codes {
		n, err := strconv.Atoi(string(bytes.Trim(bytes.TrimSpace(raw), `"`)))
		if err != nil || n < 0 || n > 63 {
			continue
		}
		set |= 1 << uint(n)
	}
	return set
}
