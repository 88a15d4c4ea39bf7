package window

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"rollingstats/internal/models"
)

func trade(price, volume, ts int64) models.TradeRecord {
	return models.TradeRecord{Symbol: "AAPL", Price: price, Volume: volume, Timestamp: ts}
}

func TestEvictionScenario(t *testing.T) {
	agg := New(time.Second)
	agg.Add(trade(10000, 5, 0))
	agg.Add(trade(10100, 3, 500))
	agg.Add(trade(9900, 2, 1200))

	if agg.LastTimestamp() != 1200 {
		t.Errorf("LastTimestamp() = %d, want 1200", agg.LastTimestamp())
	}
	if agg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", agg.Len())
	}

	s := agg.Snapshot()
	if s.Volume != 5 || s.Trades != 2 {
		t.Errorf("Volume/Trades = %d/%d, want 5/2", s.Volume, s.Trades)
	}
	if s.Min != 9900 || s.Max != 10100 {
		t.Errorf("Min/Max = %d/%d, want 9900/10100", s.Min, s.Max)
	}
	if s.AvgPrice != 10020 {
		t.Errorf("AvgPrice = %v, want 10020", s.AvgPrice)
	}
	if s.AvgPriceTrade != 10000 {
		t.Errorf("AvgPriceTrade = %v, want 10000", s.AvgPriceTrade)
	}
	if agg.VolumeAt(10000) != 0 {
		t.Errorf("evicted price still has volume %d", agg.VolumeAt(10000))
	}
}

func TestBoundaryAgeIsRetained(t *testing.T) {
	agg := New(time.Second)
	agg.Add(trade(100, 1, 0))
	agg.Add(trade(100, 1, 1000))
	if agg.Len() != 2 {
		t.Errorf("trade aged exactly the retention was evicted, Len() = %d", agg.Len())
	}
	agg.Add(trade(100, 1, 1001))
	if agg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", agg.Len())
	}
}

func TestEmptySnapshot(t *testing.T) {
	s := New(time.Minute).Snapshot()
	if s.HasData() {
		t.Fatal("empty window reports data")
	}
	for name, v := range map[string]int64{"Min": s.Min, "Max": s.Max, "P25": s.P25, "P50": s.P50, "P75": s.P75} {
		if v != NoData {
			t.Errorf("%s = %d, want NoData", name, v)
		}
	}
	if s.AvgPrice != NoData || s.AvgPriceTrade != NoData {
		t.Errorf("averages = %v/%v, want NoData", s.AvgPrice, s.AvgPriceTrade)
	}
}

func TestZeroVolumeTrades(t *testing.T) {
	agg := New(time.Second)
	agg.Add(trade(500, 0, 10))
	s := agg.Snapshot()
	if s.HasData() {
		t.Error("zero-volume window reports data")
	}
	if s.Trades != 1 || s.AvgPriceTrade != 500 {
		t.Errorf("Trades/AvgPriceTrade = %d/%v, want 1/500", s.Trades, s.AvgPriceTrade)
	}
	if s.AvgPrice != NoData || s.Min != NoData {
		t.Errorf("AvgPrice/Min = %v/%d, want NoData", s.AvgPrice, s.Min)
	}

	agg.Add(trade(600, 0, 2000))
	if agg.Len() != 1 {
		t.Errorf("zero-volume trade not evicted, Len() = %d", agg.Len())
	}
}

func TestSentinelTradesIgnored(t *testing.T) {
	agg := New(time.Second)
	agg.Add(trade(100, 1, 10))
	if agg.Add(trade(models.Sentinel, 4, 5000)) {
		t.Error("sentinel price accepted")
	}
	if agg.Add(trade(100, models.Sentinel, 5000)) {
		t.Error("sentinel volume accepted")
	}
	if agg.LastTimestamp() != 10 || agg.Volume() != 1 {
		t.Errorf("LastTimestamp/Volume = %d/%d, want 10/1", agg.LastTimestamp(), agg.Volume())
	}
}

func TestOutOfOrderTrade(t *testing.T) {
	agg := New(time.Second)
	agg.Add(trade(100, 1, 2000))
	agg.Add(trade(200, 2, 900))

	if agg.LastTimestamp() != 2000 {
		t.Errorf("late trade advanced LastTimestamp to %d", agg.LastTimestamp())
	}
	if agg.Volume() != 3 {
		t.Errorf("Volume() = %d, want 3", agg.Volume())
	}

	// The late trade is parked behind the first one and leaves with it.
	agg.Add(trade(300, 1, 2500))
	if agg.VolumeAt(200) != 2 {
		t.Errorf("VolumeAt(200) = %d, want 2", agg.VolumeAt(200))
	}
	agg.Add(trade(300, 1, 3001))
	if agg.VolumeAt(100) != 0 || agg.VolumeAt(200) != 0 {
		t.Errorf("VolumeAt(100)=%d VolumeAt(200)=%d, want 0/0", agg.VolumeAt(100), agg.VolumeAt(200))
	}
	if agg.Volume() != 2 {
		t.Errorf("Volume() = %d, want 2", agg.Volume())
	}
}

func TestPercentile(t *testing.T) {
	agg := New(time.Minute)
	agg.Add(trade(100, 25, 1))
	agg.Add(trade(200, 25, 2))
	agg.Add(trade(300, 25, 3))
	agg.Add(trade(400, 25, 4))

	tests := []struct {
		p    float64
		want int64
	}{
		{0, 100}, {24, 100}, {25, 200}, {50, 300}, {75, 400}, {100, 400}, {-3, 100}, {250, 400},
	}
	for _, tt := range tests {
		if got := agg.Percentile(tt.p); got != tt.want {
			t.Errorf("Percentile(%v) = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestWindowMatchesBruteForce(t *testing.T) {
	const retention = 750
	rng := rand.New(rand.NewSource(11))
	agg := New(retention * time.Millisecond)

	var all []models.TradeRecord
	var ts int64
	for i := 0; i < 3000; i++ {
		ts += int64(rng.Intn(40))
		tr := trade(int64(9000+rng.Intn(50)*10), int64(rng.Intn(20)), ts)
		agg.Add(tr)
		all = append(all, tr)

		if i%50 != 0 {
			continue
		}

		var volume int64
		count := 0
		perPrice := map[int64]int64{}
		minP, maxP := int64(-1), int64(-1)
		for _, x := range all {
			if ts-x.Timestamp > retention {
				continue
			}
			volume += x.Volume
			count++
			perPrice[x.Price] += x.Volume
			if x.Volume == 0 {
				continue
			}
			if minP == -1 || x.Price < minP {
				minP = x.Price
			}
			if x.Price > maxP {
				maxP = x.Price
			}
		}

		s := agg.Snapshot()
		if s.Volume != volume || s.Trades != int64(count) {
			t.Fatalf("step %d: Volume/Trades = %d/%d, want %d/%d", i, s.Volume, s.Trades, volume, count)
		}
		if volume > 0 && (s.Min != minP || s.Max != maxP) {
			t.Fatalf("step %d: Min/Max = %d/%d, want %d/%d", i, s.Min, s.Max, minP, maxP)
		}
		for p := int64(9000); p < 9500; p += 10 {
			if got := agg.VolumeAt(p); got != perPrice[p] {
				t.Fatalf("step %d: VolumeAt(%d) = %d, want %d", i, p, got, perPrice[p])
			}
		}
	}
}

func TestNotionalOverflowPanics(t *testing.T) {
	tests := []struct {
		name string
		run  func(*Aggregator)
	}{
		{"single trade", func(a *Aggregator) { a.Add(trade(math.MaxInt64/2, 3, 0)) }},
		{"running sum", func(a *Aggregator) {
			a.Add(trade(math.MaxInt64/4, 3, 0))
			a.Add(trade(math.MaxInt64/4, 2, 1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.run(New(time.Minute))
		})
	}
}

func TestLargeNotionalWithinRange(t *testing.T) {
	agg := New(time.Minute)
	agg.Add(trade(math.MaxInt64/4, 2, 0))
	agg.Add(trade(math.MaxInt64/4, 1, 1))

	if got := agg.Snapshot().Volume; got != 3 {
		t.Errorf("Volume = %d, want 3", got)
	}
}
