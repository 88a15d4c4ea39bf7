package window

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"rollingstats/internal/models"
	"rollingstats/internal/ostrie"
)

// NoData is reported for any statistic of a window without volume.
const NoData = -1

// Aggregator keeps running statistics over the trades of the last retention
// period, measured against the newest trade timestamp seen so far rather than
// wall-clock time.
//
// Aggregator is not safe for concurrent use; the engine serializes access.
type Aggregator struct {
	retentionMs int64
	window      queue
	trie        *ostrie.Trie

	totalVolume   int64
	totalNotional int64
	totalPrice    int64
	tradeCount    int64
	lastTimestamp int64
}

// Summary is a read-only view of an aggregator. Prices are in minor units.
type Summary struct {
	Horizon       time.Duration
	LastTimestamp int64

	AvgPrice      float64 // volume weighted
	AvgPriceTrade float64 // trade weighted
	Min           int64
	Max           int64
	P25           int64
	P50           int64
	P75           int64

	Volume int64
	Trades int64
}

// HasData reports whether the window held any volume.
func (s Summary) HasData() bool {
	return s.Volume > 0
}

// Record converts the summary into a downstream record for symbol with prices
// in major units. ID and AvgPriceOpen are left for the publisher to fill in.
func (s Summary) Record(symbol string, generatedAt time.Time) *models.SummaryRecord {
	return &models.SummaryRecord{
		GeneratedAt:   generatedAt.UTC(),
		Timestamp:     s.LastTimestamp,
		Symbol:        symbol,
		HorizonSec:    int64(s.Horizon / time.Second),
		AvgPrice:      majorUnits(s.AvgPrice),
		AvgPriceTrade: majorUnits(s.AvgPriceTrade),
		AvgPriceOpen:  NoData,
		MinPrice:      majorUnits(float64(s.Min)),
		MaxPrice:      majorUnits(float64(s.Max)),
		P25:           majorUnits(float64(s.P25)),
		P50:           majorUnits(float64(s.P50)),
		P75:           majorUnits(float64(s.P75)),
		VolumeMoved:   s.Volume,
		NumOfTrades:   s.Trades,
		HasData:       s.HasData(),
	}
}

// majorUnits converts minor units to major units, keeping the NoData marker.
func majorUnits(v float64) float64 {
	if v == NoData {
		return NoData
	}
	return v / 100
}

// New creates an aggregator retaining trades for the given horizon.
func New(horizon time.Duration) *Aggregator {
	return &Aggregator{
		retentionMs: horizon.Milliseconds(),
		trie:        ostrie.New(),
	}
}

// Add evicts expired trades and appends t. Trades carrying a parser sentinel
// are ignored; Add reports whether t was accepted.
func (a *Aggregator) Add(t models.TradeRecord) bool {
	if t.HasSentinel() {
		return false
	}
	n := notional(t.Price, t.Volume)

	if t.Timestamp > a.lastTimestamp {
		a.lastTimestamp = t.Timestamp
	}

	for a.window.len() > 0 && a.lastTimestamp-a.window.front().timestamp > a.retentionMs {
		old := a.window.popFront()
		a.totalVolume -= old.volume
		a.totalNotional -= old.price * old.volume
		a.totalPrice -= old.price
		a.tradeCount--
		a.trie.Insert(uint64(old.price), -old.volume)
	}

	if a.totalNotional > math.MaxInt64-n {
		panic(fmt.Sprintf("window: notional sum %d + %d overflows int64", a.totalNotional, n))
	}
	a.window.pushBack(point{timestamp: t.Timestamp, price: t.Price, volume: t.Volume})
	a.totalVolume += t.Volume
	a.totalNotional += n
	a.totalPrice += t.Price
	a.tradeCount++
	a.trie.Insert(uint64(t.Price), t.Volume)

	if a.totalVolume != a.trie.Total() {
		panic(fmt.Sprintf("window: running volume %d diverged from trie total %d", a.totalVolume, a.trie.Total()))
	}
	return true
}

// notional returns price*volume, panicking when the product leaves int64.
func notional(price, volume int64) int64 {
	hi, lo := bits.Mul64(uint64(price), uint64(volume))
	if price < 0 || volume < 0 || hi != 0 || lo > math.MaxInt64 {
		panic(fmt.Sprintf("window: notional of %d x %d overflows int64", price, volume))
	}
	return int64(lo)
}

// Horizon returns the retention period.
func (a *Aggregator) Horizon() time.Duration {
	return time.Duration(a.retentionMs) * time.Millisecond
}

// Len returns the number of trades currently in the window.
func (a *Aggregator) Len() int {
	return a.window.len()
}

// Volume returns the total volume in the window.
func (a *Aggregator) Volume() int64 {
	return a.totalVolume
}

// LastTimestamp returns the newest trade timestamp observed.
func (a *Aggregator) LastTimestamp() int64 {
	return a.lastTimestamp
}

// VolumeAt returns the window volume traded at exactly price.
func (a *Aggregator) VolumeAt(price int64) int64 {
	if price < 0 {
		return 0
	}
	return a.trie.Count(uint64(price))
}

// Percentile returns the price below which p percent of the window volume
// traded, or NoData for an empty window. p is clamped to [0, 100].
func (a *Aggregator) Percentile(p float64) int64 {
	if a.trie.IsEmpty() {
		return NoData
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	target := int64(float64(a.totalVolume) * p / 100)
	return int64(a.trie.Select(target))
}

// Snapshot computes the summary of the current window.
func (a *Aggregator) Snapshot() Summary {
	s := Summary{
		Horizon:       a.Horizon(),
		LastTimestamp: a.lastTimestamp,
		AvgPrice:      NoData,
		AvgPriceTrade: NoData,
		Min:           NoData,
		Max:           NoData,
		P25:           NoData,
		P50:           NoData,
		P75:           NoData,
		Volume:        a.totalVolume,
		Trades:        a.tradeCount,
	}

	if a.tradeCount > 0 {
		s.AvgPriceTrade = float64(a.totalPrice) / float64(a.tradeCount)
	}

	if a.totalVolume == 0 {
		return s
	}

	s.AvgPrice = float64(a.totalNotional) / float64(a.totalVolume)
	s.Min = int64(a.trie.Min())
	s.Max = int64(a.trie.Max())
	s.P25 = a.Percentile(25)
	s.P50 = a.Percentile(50)
	s.P75 = a.Percentile(75)
	return s
}
