package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rollingstats/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeTrade(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]interface{}
		want    models.TradeRecord
		wantErr bool
	}{
		{
			name:   "valid trade",
			values: map[string]interface{}{"data": `{"symbol":"AAPL","price":18923,"volume":100,"timestamp":1700000000000,"conditions":6}`},
			want:   models.TradeRecord{Symbol: "AAPL", Price: 18923, Volume: 100, Timestamp: 1700000000000, Conditions: 6},
		},
		{
			name:   "sentinel price passes through",
			values: map[string]interface{}{"data": `{"symbol":"AAPL","price":-1,"volume":100,"timestamp":1}`},
			want:   models.TradeRecord{Symbol: "AAPL", Price: -1, Volume: 100, Timestamp: 1},
		},
		{
			name:    "missing data field",
			values:  map[string]interface{}{"payload": "{}"},
			wantErr: true,
		},
		{
			name:    "data not a string",
			values:  map[string]interface{}{"data": 42},
			wantErr: true,
		},
		{
			name:    "malformed json",
			values:  map[string]interface{}{"data": `{"symbol":`},
			wantErr: true,
		},
		{
			name:    "missing symbol",
			values:  map[string]interface{}{"data": `{"price":1,"volume":1,"timestamp":1}`},
			wantErr: true,
		},
		{
			name:    "price below sentinel",
			values:  map[string]interface{}{"data": `{"symbol":"AAPL","price":-5,"volume":1,"timestamp":1}`},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeTrade(tt.values)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidTrade) {
					t.Errorf("DecodeTrade() error = %v, want ErrInvalidTrade", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeTrade() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeTrade() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProcessMessageCallsHandler(t *testing.T) {
	var got []models.TradeRecord
	c := &Consumer{
		handler: func(tr models.TradeRecord) { got = append(got, tr) },
		logger:  testLogger(),
	}

	msg := redis.XMessage{
		ID:     "1700000000000-0",
		Values: map[string]interface{}{"data": `{"symbol":"MSFT","price":40000,"volume":3,"timestamp":1700000000000}`},
	}
	if err := c.processMessage(msg); err != nil {
		t.Fatalf("processMessage() error = %v", err)
	}

	bad := redis.XMessage{ID: "1700000000001-0", Values: map[string]interface{}{"data": "nope"}}
	if err := c.processMessage(bad); err == nil {
		t.Error("processMessage() accepted undecodable message")
	}

	if len(got) != 1 || got[0].Symbol != "MSFT" || got[0].Volume != 3 {
		t.Errorf("handler received %+v", got)
	}
}

func TestConsumerReadsAndAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan models.TradeRecord, 4)
	c, err := New(ctx, client, Config{
		StreamKey:     "trades:test",
		ConsumerGroup: "rollingstats",
		ConsumerName:  "worker-1",
		BlockTime:     50 * time.Millisecond,
	}, func(tr models.TradeRecord) { received <- tr }, testLogger(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Creating the group twice is fine.
	if _, err := New(ctx, client, Config{StreamKey: "trades:test", ConsumerGroup: "rollingstats"}, nil, testLogger(), nil); err != nil {
		t.Fatalf("second New() error = %v", err)
	}

	for _, data := range []string{
		`{"symbol":"AAPL","price":100,"volume":1,"timestamp":1}`,
		`garbage`,
		`{"symbol":"AAPL","price":200,"volume":2,"timestamp":2}`,
	} {
		if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "trades:test", Values: map[string]interface{}{"data": data}}).Err(); err != nil {
			t.Fatalf("XAdd() error = %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	for i, wantPrice := range []int64{100, 200} {
		select {
		case tr := <-received:
			if tr.Price != wantPrice {
				t.Errorf("trade %d price = %d, want %d", i, tr.Price, wantPrice)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for trade %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}

	pending, err := client.XPending(context.Background(), "trades:test", "rollingstats").Result()
	if err != nil {
		t.Fatalf("XPending() error = %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending entries = %d, want 0 (poison message must be acked too)", pending.Count)
	}
}

func TestNewRequiresStream(t *testing.T) {
	if _, err := New(context.Background(), nil, Config{}, nil, testLogger(), nil); err == nil {
		t.Error("New() accepted empty config")
	}
}
