package scheduler

import (
	"sync"
	"time"

	"rollingstats/internal/window"
)

// openTracker remembers the volume-weighted average published for each
// (symbol, horizon) over the last horizon worth of cycles. The oldest value
// is the opening average for the horizon.
type openTracker struct {
	interval time.Duration

	mu   sync.Mutex
	hist map[string]*openHistory
}

type openHistory struct {
	vals []float64
	max  int
}

func newOpenTracker(interval time.Duration) *openTracker {
	return &openTracker{
		interval: interval,
		hist:     make(map[string]*openHistory),
	}
}

// advance moves every history forward by one cycle, carrying the latest
// value over for keys that are not published this cycle.
func (o *openTracker) advance() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, h := range o.hist {
		h.vals = append(h.vals, h.vals[len(h.vals)-1])
		if len(h.vals) > h.max {
			h.vals = h.vals[1:]
		}
	}
}

// opening returns the opening average for key: the value published one
// horizon ago, the earliest published value while the history is still
// filling, or avg itself when nothing has been published yet.
func (o *openTracker) opening(key string, avg float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h, ok := o.hist[key]; ok {
		return h.vals[0]
	}
	return avg
}

// commit stores avg as the current cycle's published value for key.
func (o *openTracker) commit(key string, horizon time.Duration, avg float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.hist[key]
	if !ok {
		steps := int(horizon / o.interval)
		if steps < 1 {
			steps = 1
		}
		o.hist[key] = &openHistory{vals: []float64{avg}, max: steps + 1}
		return
	}
	h.vals[len(h.vals)-1] = avg
}

// open returns the opening average for key without recording a new value.
func (o *openTracker) open(key string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.hist[key]
	if !ok {
		return window.NoData
	}
	return h.vals[0]
}
