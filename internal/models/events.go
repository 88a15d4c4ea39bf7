package models

import "time"

// TradeRecord is a single normalized trade tick as produced by a feed parser.
// Prices are integer minor units (cents). Parsers set Price or Volume to
// Sentinel when the upstream field could not be parsed.
type TradeRecord struct {
	Symbol     string `json:"symbol"`               // e.g., AAPL, BINANCE:BTCUSDT
	Price      int64  `json:"price"`                // minor units
	Volume     int64  `json:"volume"`               // shares / contracts
	Timestamp  int64  `json:"timestamp"`            // unix milliseconds
	Conditions uint64 `json:"conditions,omitempty"` // bit i set when condition code i applies
}

// Sentinel marks a numeric field the parser could not read.
const Sentinel int64 = -1

// HasSentinel reports whether the trade carries an unparsable price or volume.
func (t TradeRecord) HasSentinel() bool {
	return t.Price < 0 || t.Volume < 0
}

// Time returns the trade timestamp as a time.Time.
func (t TradeRecord) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// HasCondition reports whether condition code c is set.
func (t TradeRecord) HasCondition(c uint) bool {
	if c > 63 {
		return false
	}
	return t.Conditions&(1<<c) != 0
}

// SummaryRecord is one downstream message for a (symbol, horizon) pair.
// Prices are in major units; -1 means unavailable.
type SummaryRecord struct {
	ID            string    `json:"id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Timestamp     int64     `json:"timestamp"` // last trade timestamp in the window, unix ms
	Symbol        string    `json:"symbol"`
	HorizonSec    int64     `json:"horizon_sec"`
	AvgPrice      float64   `json:"avg_price"`       // volume weighted
	AvgPriceTrade float64   `json:"avg_price_trade"` // trade weighted
	AvgPriceOpen  float64   `json:"avg_price_open"`
	MinPrice      float64   `json:"min_price"`
	MaxPrice      float64   `json:"max_price"`
	P25           float64   `json:"p25"`
	P50           float64   `json:"p50"`
	P75           float64   `json:"p75"`
	VolumeMoved   int64     `json:"volume_moved"`
	NumOfTrades   int64     `json:"num_of_trades"`
	HasData       bool      `json:"has_data"`
}

// Key identifies the (symbol, horizon) stream a record belongs to.
func (r *SummaryRecord) Key() string {
	return SummaryKey(r.Symbol, r.HorizonSec)
}
