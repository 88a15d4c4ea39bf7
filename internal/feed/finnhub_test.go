package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rollingstats/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantType  string
		want      []models.TradeRecord
		wantConds []uint // codes set on the first trade
	}{
		{
			name:     "trade batch",
			data:     `{"type":"trade","data":[{"s":"AAPL","p":189.23,"v":100,"t":1700000000000,"c":["1","12"]},{"s":"MSFT","p":"400.5","v":3,"t":1700000000001}]}`,
			wantType: "trade",
			want: []models.TradeRecord{
				{Symbol: "AAPL", Price: 18923, Volume: 100, Timestamp: 1700000000000, Conditions: 1<<1 | 1<<12},
				{Symbol: "MSFT", Price: 40050, Volume: 3, Timestamp: 1700000000001},
			},
			wantConds: []uint{1, 12},
		},
		{
			name:     "sub-cent price truncates",
			data:     `{"type":"trade","data":[{"s":"X","p":0.019,"v":2.9,"t":5}]}`,
			wantType: "trade",
			want:     []models.TradeRecord{{Symbol: "X", Price: 1, Volume: 2, Timestamp: 5}},
		},
		{
			name:      "unparsable fields become sentinels",
			data:      `{"type":"trade","data":[{"s":"X","p":"abc","t":5,"c":[7,"99","x"]}]}`,
			wantType:  "trade",
			want:      []models.TradeRecord{{Symbol: "X", Price: models.Sentinel, Volume: models.Sentinel, Timestamp: 5, Conditions: 1 << 7}},
			wantConds: []uint{7},
		},
		{
			name:     "ping",
			data:     `{"type":"ping"}`,
			wantType: "ping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, got, err := ParseMessage([]byte(tt.data), testLogger())
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if gotType != tt.wantType {
				t.Errorf("type = %q, want %q", gotType, tt.wantType)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d trades, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("trade %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
			for _, c := range tt.wantConds {
				if !got[0].HasCondition(c) {
					t.Errorf("HasCondition(%d) = false", c)
				}
			}
			if len(got) > 0 && (got[0].HasCondition(99) || got[0].HasCondition(2)) {
				t.Errorf("unexpected condition set: %b", got[0].Conditions)
			}
		})
	}
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	if _, _, err := ParseMessage([]byte("not json"), testLogger()); err == nil {
		t.Error("ParseMessage() accepted garbage")
	}
}

func TestNewFinnhubValidation(t *testing.T) {
	if _, err := NewFinnhub(Config{Symbols: []string{"AAPL"}}, nil, testLogger(), nil); err == nil {
		t.Error("NewFinnhub() accepted missing token")
	}
	if _, err := NewFinnhub(Config{Token: "t"}, nil, testLogger(), nil); err == nil {
		t.Error("NewFinnhub() accepted empty symbol list")
	}
}

func TestFinnhubSession(t *testing.T) {
	subscribed := make(chan string, 4)
	pong := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		for i := 0; i < 2; i++ {
			var sub subscription
			if err := wsjson.Read(ctx, c, &sub); err != nil {
				return
			}
			subscribed <- sub.Symbol
		}

		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
		var reply map[string]string
		if err := wsjson.Read(ctx, c, &reply); err != nil || reply["type"] != "pong" {
			return
		}
		pong <- struct{}{}

		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"trade","data":[{"s":"AAPL","p":100.25,"v":10,"t":1700000000000}]}`))
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	trades := make(chan models.TradeRecord, 4)
	f, err := NewFinnhub(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:   "secret",
		Symbols: []string{"AAPL", "MSFT"},
	}, func(tr models.TradeRecord) { trades <- tr }, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewFinnhub() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	timeout := time.After(5 * time.Second)
	for _, want := range []string{"AAPL", "MSFT"} {
		select {
		case got := <-subscribed:
			if got != want {
				t.Errorf("subscribed %q, want %q", got, want)
			}
		case <-timeout:
			t.Fatal("timed out waiting for subscriptions")
		}
	}

	select {
	case <-pong:
	case <-timeout:
		t.Fatal("ping was not answered")
	}

	select {
	case tr := <-trades:
		if tr.Symbol != "AAPL" || tr.Price != 10025 || tr.Volume != 10 {
			t.Errorf("trade = %+v", tr)
		}
	case <-timeout:
		t.Fatal("timed out waiting for trade")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}
