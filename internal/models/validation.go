package models

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidTrade is returned for trades that cannot be routed at all.
var ErrInvalidTrade = errors.New("invalid trade")

// ValidateTrade checks the fields a feed parser must always fill in.
// Sentinel prices and volumes are valid here; they are handled by the window.
func ValidateTrade(t *TradeRecord) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidTrade)
	}

	if t.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be positive, got %d", ErrInvalidTrade, t.Timestamp)
	}

	if t.Price < Sentinel || t.Volume < Sentinel {
		return fmt.Errorf("%w: negative price %d or volume %d", ErrInvalidTrade, t.Price, t.Volume)
	}

	return nil
}

// ValidateSummary checks a summary record against its field invariants.
func ValidateSummary(r *SummaryRecord) error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	if r.HorizonSec <= 0 {
		return fmt.Errorf("horizon_sec must be positive, got %d", r.HorizonSec)
	}

	if r.VolumeMoved < 0 || r.NumOfTrades < 0 {
		return fmt.Errorf("volume_moved and num_of_trades must be non-negative")
	}

	if !r.HasData {
		return nil
	}

	if r.MinPrice > r.MaxPrice {
		return fmt.Errorf("min_price %f exceeds max_price %f", r.MinPrice, r.MaxPrice)
	}

	if r.P25 > r.P50 || r.P50 > r.P75 {
		return fmt.Errorf("quartile invariant violation: p25 <= p50 <= p75")
	}

	if r.AvgPrice < r.MinPrice || r.AvgPrice > r.MaxPrice {
		return fmt.Errorf("avg_price %f outside [%f, %f]", r.AvgPrice, r.MinPrice, r.MaxPrice)
	}

	return nil
}

// SummaryKey builds the cache key suffix for a (symbol, horizon) pair.
func SummaryKey(symbol string, horizonSec int64) string {
	return symbol + ":" + strconv.FormatInt(horizonSec, 10)
}
