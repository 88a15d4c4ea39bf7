package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rollingstats/internal/models"
)

func newSink(t *testing.T) (*httptest.Server, <-chan models.SummaryRecord) {
	t.Helper()
	got := make(chan models.SummaryRecord, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for {
			var rec models.SummaryRecord
			if err := wsjson.Read(r.Context(), c, &rec); err != nil {
				return
			}
			got <- rec
		}
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSPublisherSendsRecords(t *testing.T) {
	srv, got := newSink(t)
	pub := NewWSPublisher(wsURL(srv), testLogger())
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		rec := sampleRecord()
		rec.HorizonSec = int64(i + 1)
		if err := pub.Publish(ctx, rec); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case rec := <-got:
			if rec.HorizonSec != int64(i+1) || rec.Symbol != "AAPL" {
				t.Errorf("record %d = %+v", i, rec)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for record %d", i)
		}
	}
}

func TestWSPublisherUnavailableSink(t *testing.T) {
	srv, _ := newSink(t)
	url := wsURL(srv)
	srv.Close()

	pub := NewWSPublisher(url, testLogger())
	err := pub.Publish(context.Background(), sampleRecord())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Publish() error = %v, want ErrUnavailable", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close() on never-connected publisher = %v", err)
	}
}
