package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
	"rollingstats/internal/window"
)

// ErrUnknownSymbol is returned when a symbol has never been ingested.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Config fixes the horizons and sharding at construction time.
type Config struct {
	Horizons []time.Duration
	Shards   int
}

// Engine owns the symbol table and the dirty set. Ingest may be called from
// any number of feed workers while a publisher drains the dirty set and reads
// snapshots.
//
// Symbols are spread over shards by hash; a shard lock only guards the map,
// and each symbol carries its own lock for its windows, so ingestion for
// different symbols does not contend on window updates.
type Engine struct {
	horizons []time.Duration
	shards   []*shard
	count    atomic.Int64

	dirtyMu sync.Mutex
	dirty   map[string]struct{}

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// entry holds one window per configured horizon for a symbol.
type entry struct {
	mu      sync.Mutex
	windows []*window.Aggregator
}

// New creates an engine.
func New(cfg Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*Engine, error) {
	if len(cfg.Horizons) == 0 {
		return nil, fmt.Errorf("at least one horizon is required")
	}
	// Records are keyed by whole seconds, so 1500ms and 1s would collide.
	for _, h := range cfg.Horizons {
		if h < time.Second || h%time.Second != 0 {
			return nil, fmt.Errorf("horizon %s is not a whole number of seconds", h)
		}
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	horizons := make([]time.Duration, len(cfg.Horizons))
	copy(horizons, cfg.Horizons)

	return &Engine{
		horizons: horizons,
		shards:   shards,
		dirty:    make(map[string]struct{}),
		logger:   logger.With("component", "engine"),
		metrics:  metrics,
	}, nil
}

// Horizons returns the configured horizons in construction order.
func (e *Engine) Horizons() []time.Duration {
	out := make([]time.Duration, len(e.horizons))
	copy(out, e.horizons)
	return out
}

func (e *Engine) shardFor(symbol string) *shard {
	return e.shards[xxhash.Sum64String(symbol)%uint64(len(e.shards))]
}

// getOrCreate returns the entry for symbol, creating it on first sight.
// The existence re-check under the write lock makes concurrent first sights
// of the same symbol converge on a single entry.
func (e *Engine) getOrCreate(symbol string) *entry {
	s := e.shardFor(symbol)

	s.mu.RLock()
	ent, ok := s.entries[symbol]
	s.mu.RUnlock()
	if ok {
		return ent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[symbol]; ok {
		return ent
	}

	ent = &entry{windows: make([]*window.Aggregator, len(e.horizons))}
	for i, h := range e.horizons {
		ent.windows[i] = window.New(h)
	}
	s.entries[symbol] = ent

	n := e.count.Add(1)
	if e.metrics != nil {
		e.metrics.RecordSymbols(int(n))
	}
	e.logger.Info("symbol_created", "symbol", symbol, "horizons", len(e.horizons))

	return ent
}

func (e *Engine) lookup(symbol string) (*entry, bool) {
	s := e.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entries[symbol]
	return ent, ok
}

// Ingest routes a trade to every window of its symbol and marks the symbol
// dirty. No trade is rejected here; windows skip sentinel-bearing trades.
func (e *Engine) Ingest(t models.TradeRecord) {
	ent := e.getOrCreate(t.Symbol)

	accepted := true
	ent.mu.Lock()
	for _, w := range ent.windows {
		accepted = w.Add(t) && accepted
	}
	ent.mu.Unlock()

	// Marking after the update guarantees a concurrent swap can only move the
	// symbol into the next cycle, never lose it.
	e.markDirty(t.Symbol)

	if e.metrics != nil {
		e.metrics.RecordTradeIngested(float64(time.Since(t.Time()).Milliseconds()))
		if !accepted {
			e.metrics.RecordTradeIgnored()
		}
	}
	if !accepted {
		e.logger.Debug("trade_ignored", "symbol", t.Symbol, "price", t.Price, "volume", t.Volume)
	}
}

func (e *Engine) markDirty(symbol string) {
	e.dirtyMu.Lock()
	e.dirty[symbol] = struct{}{}
	e.dirtyMu.Unlock()
}

// SwapDirty returns the symbols mutated since the previous call, sorted, and
// starts a new empty set in the same critical section.
func (e *Engine) SwapDirty() []string {
	e.dirtyMu.Lock()
	drained := e.dirty
	e.dirty = make(map[string]struct{}, len(drained))
	e.dirtyMu.Unlock()

	out := make([]string, 0, len(drained))
	for s := range drained {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DirtyLen returns the number of symbols waiting for the next cycle.
func (e *Engine) DirtyLen() int {
	e.dirtyMu.Lock()
	defer e.dirtyMu.Unlock()
	return len(e.dirty)
}

// Snapshot returns one summary per horizon for symbol, in horizon order.
func (e *Engine) Snapshot(symbol string) ([]window.Summary, error) {
	ent, ok := e.lookup(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	out := make([]window.Summary, len(ent.windows))
	ent.mu.Lock()
	for i, w := range ent.windows {
		out[i] = w.Snapshot()
	}
	ent.mu.Unlock()

	return out, nil
}

// Symbols returns every known symbol, sorted.
func (e *Engine) Symbols() []string {
	out := make([]string, 0, e.count.Load())
	for _, s := range e.shards {
		s.mu.RLock()
		for sym := range s.entries {
			out = append(out, sym)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Len returns the number of known symbols.
func (e *Engine) Len() int {
	return int(e.count.Load())
}
