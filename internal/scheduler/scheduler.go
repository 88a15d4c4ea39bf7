package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rollingstats/internal/instrumentation"
	"rollingstats/internal/models"
	"rollingstats/internal/transport"
	"rollingstats/internal/window"
)

// Source is the aggregation state the scheduler publishes from.
type Source interface {
	SwapDirty() []string
	Snapshot(symbol string) ([]window.Summary, error)
}

// State of the publication loop.
type State int32

const (
	Idle State = iota
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Publishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Config holds scheduler timing and retry settings.
type Config struct {
	Interval        time.Duration // publish tick period
	MaxAttempts     int           // sends per record per cycle
	Backoff         time.Duration // first retry delay, doubled per attempt
	MaxBackoff      time.Duration
	PendingLimit    int           // requeued records kept across cycles
	ShutdownTimeout time.Duration // budget for the final drain cycle
}

// Scheduler periodically publishes summaries of every dirty symbol.
//
// Records that cannot be delivered after MaxAttempts are requeued for the
// next cycle, newest per (symbol, horizon) winning. Once one record exhausts
// its attempts the transport is treated as down for the rest of the cycle and
// remaining records are requeued without sending.
type Scheduler struct {
	source    Source
	publisher transport.Publisher
	cfg       Config
	state     atomic.Int32

	mu      sync.Mutex // guards pending; cycles themselves never overlap
	pending map[string]*models.SummaryRecord
	order   []string

	opens *openTracker

	logger  *slog.Logger
	metrics *instrumentation.Metrics
}

// New creates a scheduler.
func New(source Source, publisher transport.Publisher, cfg Config, logger *slog.Logger, metrics *instrumentation.Metrics) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("publish interval must be positive, got %s", cfg.Interval)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.PendingLimit < 1 {
		cfg.PendingLimit = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	return &Scheduler{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		pending:   make(map[string]*models.SummaryRecord),
		opens:     newOpenTracker(cfg.Interval),
		logger:    logger.With("component", "scheduler"),
		metrics:   metrics,
	}, nil
}

// State returns the current state of the loop.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Pending returns the number of records waiting for the next cycle.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Run publishes on every tick until ctx is cancelled, then runs one final
// drain cycle bounded by ShutdownTimeout. Whatever the drain cannot deliver
// is discarded and counted as dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler_starting", "interval_ms", s.cfg.Interval.Milliseconds())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case now := <-ticker.C:
			s.Cycle(ctx, now)
		}
	}
}

func (s *Scheduler) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("scheduler_draining", "pending", s.Pending())
	s.Cycle(ctx, time.Now())

	s.mu.Lock()
	discarded := len(s.order)
	s.pending = make(map[string]*models.SummaryRecord)
	s.order = nil
	s.mu.Unlock()

	if discarded > 0 {
		if s.metrics != nil {
			for i := 0; i < discarded; i++ {
				s.metrics.RecordDropped()
			}
			s.metrics.RecordPending(0)
		}
		s.logger.Warn("records_discarded_on_shutdown", "count", discarded)
	}
	s.logger.Info("scheduler_stopped")
}

// CycleStats summarizes one publication cycle.
type CycleStats struct {
	Symbols    int
	Published  int
	Requeued   int
	Dropped    int
	Superseded int // pending records replaced by a fresh record for the same key
}

// Cycle runs one Idle -> Publishing -> Idle transition. Fresh records are built
// for every horizon of each symbol in the swapped dirty set; pending records
// from earlier cycles go out first unless a fresh record exists for the same
// (symbol, horizon), so at most one record per key is sent per tick.
func (s *Scheduler) Cycle(ctx context.Context, now time.Time) CycleStats {
	s.state.Store(int32(Publishing))
	defer s.state.Store(int32(Idle))

	startTime := time.Now()
	var stats CycleStats
	down := false

	s.opens.advance()

	dirty := s.source.SwapDirty()
	stats.Symbols = len(dirty)

	fresh := make([]*models.SummaryRecord, 0, len(dirty))
	rebuilt := make(map[string]struct{}, len(dirty))
	for _, symbol := range dirty {
		sums, err := s.source.Snapshot(symbol)
		if err != nil {
			s.logger.Error("snapshot_failed", "symbol", symbol, "error", err)
			if s.metrics != nil {
				s.metrics.RecordError("scheduler", "snapshot_failed")
			}
			continue
		}
		for _, sum := range sums {
			rec := s.buildRecord(symbol, sum, now)
			fresh = append(fresh, rec)
			rebuilt[rec.Key()] = struct{}{}
		}
	}

	// Older records first, skipping keys that have a newer one this tick.
	for _, rec := range s.takePending() {
		if _, ok := rebuilt[rec.Key()]; ok {
			stats.Superseded++
			continue
		}
		s.deliver(ctx, rec, &down, &stats)
	}

	for _, rec := range fresh {
		s.deliver(ctx, rec, &down, &stats)
	}

	elapsed := time.Since(startTime)
	if s.metrics != nil {
		s.metrics.RecordPublishCycle(float64(elapsed.Milliseconds()))
		s.metrics.RecordPending(s.Pending())
	}

	if stats.Symbols > 0 || stats.Requeued > 0 || stats.Dropped > 0 {
		s.logger.Info("publish_cycle_completed",
			"symbols", stats.Symbols,
			"published", stats.Published,
			"requeued", stats.Requeued,
			"dropped", stats.Dropped,
			"superseded", stats.Superseded,
			"latency_ms", elapsed.Milliseconds(),
		)
	}

	return stats
}

func (s *Scheduler) deliver(ctx context.Context, rec *models.SummaryRecord, down *bool, stats *CycleStats) {
	if *down || ctx.Err() != nil {
		s.requeue(rec, stats)
		return
	}

	err := s.send(ctx, rec)
	if err == nil {
		stats.Published++
		if rec.HasData {
			s.opens.commit(rec.Key(), time.Duration(rec.HorizonSec)*time.Second, rec.AvgPrice)
		}
		return
	}

	if transport.Retryable(err) || ctx.Err() != nil {
		*down = true
		s.logger.Warn("transport_unavailable", "symbol", rec.Symbol, "horizon_sec", rec.HorizonSec, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("scheduler", "transport_unavailable")
		}
		s.requeue(rec, stats)
		return
	}

	stats.Dropped++
	s.logger.Error("record_dropped", "symbol", rec.Symbol, "horizon_sec", rec.HorizonSec, "error", err)
	if s.metrics != nil {
		s.metrics.RecordDropped()
		s.metrics.RecordError("scheduler", "publish_failed")
	}
}

// send tries a record up to MaxAttempts times with exponential backoff.
func (s *Scheduler) send(ctx context.Context, rec *models.SummaryRecord) error {
	backoff := s.cfg.Backoff
	for attempt := 1; ; attempt++ {
		err := s.publisher.Publish(ctx, rec)
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordPublished()
			}
			return nil
		}
		if attempt >= s.cfg.MaxAttempts || !transport.Retryable(err) {
			return err
		}

		if s.metrics != nil {
			s.metrics.RecordRetry()
		}
		s.logger.Debug("publish_retry", "symbol", rec.Symbol, "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("publish retry aborted: %w", ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Scheduler) takePending() []*models.SummaryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.SummaryRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.pending[key])
	}
	s.pending = make(map[string]*models.SummaryRecord)
	s.order = s.order[:0]
	return out
}

// requeue keeps rec for the next cycle. A newer record for the same key
// replaces the older one in place; when full, the oldest key is dropped.
func (s *Scheduler) requeue(rec *models.SummaryRecord, stats *CycleStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	if _, ok := s.pending[key]; ok {
		s.pending[key] = rec
		stats.Requeued++
		return
	}

	if len(s.order) >= s.cfg.PendingLimit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, oldest)
		stats.Dropped++
		if s.metrics != nil {
			s.metrics.RecordDropped()
		}
		s.logger.Warn("record_dropped", "key", oldest, "reason", "pending_limit")
	}

	s.pending[key] = rec
	s.order = append(s.order, key)
	stats.Requeued++
}

func (s *Scheduler) buildRecord(symbol string, sum window.Summary, now time.Time) *models.SummaryRecord {
	rec := sum.Record(symbol, now)
	rec.ID = uuid.NewString()

	if rec.HasData {
		rec.AvgPriceOpen = s.opens.opening(rec.Key(), rec.AvgPrice)
	} else {
		rec.AvgPriceOpen = s.opens.open(rec.Key())
	}

	return rec
}

// OpenPrice returns the opening average last published for (symbol, horizon),
// or -1 when none has been published yet.
func (s *Scheduler) OpenPrice(symbol string, horizonSec int64) float64 {
	return s.opens.open(models.SummaryKey(symbol, horizonSec))
}
