package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts coordinator activity. All methods are safe for concurrent use.
type Collector struct {
	counters       *Counters
	customCounters map[string]*int64
	mu             sync.RWMutex
	startTime      time.Time
}

// Counters is a point-in-time view of the coordinator's activity
type Counters struct {
	// Render jobs
	RendersStarted   int64 `json:"renders_started"`
	RendersFulfilled int64 `json:"renders_fulfilled"`
	RendersRejected  int64 `json:"renders_rejected"`

	// Server requests
	RequestsSent    int64 `json:"requests_sent"`
	RequestsBatched int64 `json:"requests_batched"`
	RequestsAborted int64 `json:"requests_aborted"`
	CacheHits       int64 `json:"cache_hits"`

	// Layer stack
	LayersOpened  int64 `json:"layers_opened"`
	LayersClosed  int64 `json:"layers_closed"`
	StackDepth    int64 `json:"stack_depth"`
	MaxStackDepth int64 `json:"max_stack_depth"`

	// Fragments
	FragmentsInserted int64 `json:"fragments_inserted"`
	ElementsKept      int64 `json:"elements_kept"`
	CallbackErrors    int64 `json:"callback_errors"`

	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	now := time.Now()
	return &Collector{
		counters:       &Counters{StartTime: now},
		customCounters: make(map[string]*int64),
		startTime:      now,
	}
}

func (c *Collector) RenderStarted()   { atomic.AddInt64(&c.counters.RendersStarted, 1) }
func (c *Collector) RenderFulfilled() { atomic.AddInt64(&c.counters.RendersFulfilled, 1) }
func (c *Collector) RenderRejected()  { atomic.AddInt64(&c.counters.RendersRejected, 1) }

// RequestSent records a request that went over the wire. members is the
// number of render jobs folded into it; everything beyond the first counts
// as batched.
func (c *Collector) RequestSent(members int) {
	atomic.AddInt64(&c.counters.RequestsSent, 1)
	if members > 1 {
		atomic.AddInt64(&c.counters.RequestsBatched, int64(members-1))
	}
}

func (c *Collector) RequestAborted() { atomic.AddInt64(&c.counters.RequestsAborted, 1) }
func (c *Collector) CacheHit()       { atomic.AddInt64(&c.counters.CacheHits, 1) }

// LayerOpened records a new overlay and tracks the deepest stack seen.
func (c *Collector) LayerOpened() {
	atomic.AddInt64(&c.counters.LayersOpened, 1)
	depth := atomic.AddInt64(&c.counters.StackDepth, 1)

	for {
		max := atomic.LoadInt64(&c.counters.MaxStackDepth)
		if depth <= max {
			break
		}
		if atomic.CompareAndSwapInt64(&c.counters.MaxStackDepth, max, depth) {
			break
		}
	}
}

// LayerClosed records an overlay leaving the stack
func (c *Collector) LayerClosed() {
	atomic.AddInt64(&c.counters.LayersClosed, 1)
	atomic.AddInt64(&c.counters.StackDepth, -1)
}

// FragmentsSwapped records one render's worth of inserted and kept elements
func (c *Collector) FragmentsSwapped(inserted, kept int) {
	atomic.AddInt64(&c.counters.FragmentsInserted, int64(inserted))
	atomic.AddInt64(&c.counters.ElementsKept, int64(kept))
}

// CallbackError records a failing listener, compiler or destructor
func (c *Collector) CallbackError() { atomic.AddInt64(&c.counters.CallbackErrors, 1) }

// IncrementCustomCounter increments a custom named counter
func (c *Collector) IncrementCustomCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.customCounters[name]; exists {
		atomic.AddInt64(counter, 1)
	} else {
		var newCounter int64 = 1
		c.customCounters[name] = &newCounter
	}
}

// Snapshot returns a copy of the current counters
func (c *Collector) Snapshot() Counters {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()

	return Counters{
		RendersStarted:    atomic.LoadInt64(&c.counters.RendersStarted),
		RendersFulfilled:  atomic.LoadInt64(&c.counters.RendersFulfilled),
		RendersRejected:   atomic.LoadInt64(&c.counters.RendersRejected),
		RequestsSent:      atomic.LoadInt64(&c.counters.RequestsSent),
		RequestsBatched:   atomic.LoadInt64(&c.counters.RequestsBatched),
		RequestsAborted:   atomic.LoadInt64(&c.counters.RequestsAborted),
		CacheHits:         atomic.LoadInt64(&c.counters.CacheHits),
		LayersOpened:      atomic.LoadInt64(&c.counters.LayersOpened),
		LayersClosed:      atomic.LoadInt64(&c.counters.LayersClosed),
		StackDepth:        atomic.LoadInt64(&c.counters.StackDepth),
		MaxStackDepth:     atomic.LoadInt64(&c.counters.MaxStackDepth),
		FragmentsInserted: atomic.LoadInt64(&c.counters.FragmentsInserted),
		ElementsKept:      atomic.LoadInt64(&c.counters.ElementsKept),
		CallbackErrors:    atomic.LoadInt64(&c.counters.CallbackErrors),
		StartTime:         start,
		Uptime:            time.Since(start),
	}
}

// GetCustomCounters returns all custom counters
func (c *Collector) GetCustomCounters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64)
	for name, counter := range c.customCounters {
		result[name] = atomic.LoadInt64(counter)
	}
	return result
}

// Reset resets all metrics to zero
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, field := range []*int64{
		&c.counters.RendersStarted, &c.counters.RendersFulfilled, &c.counters.RendersRejected,
		&c.counters.RequestsSent, &c.counters.RequestsBatched, &c.counters.RequestsAborted,
		&c.counters.CacheHits, &c.counters.LayersOpened, &c.counters.LayersClosed,
		&c.counters.StackDepth, &c.counters.MaxStackDepth, &c.counters.FragmentsInserted,
		&c.counters.ElementsKept, &c.counters.CallbackErrors,
	} {
		atomic.StoreInt64(field, 0)
	}

	c.customCounters = make(map[string]*int64)
	c.startTime = time.Now()
}

// RejectionRate returns the percentage of settled renders that rejected
func (c *Collector) RejectionRate() float64 {
	fulfilled := atomic.LoadInt64(&c.counters.RendersFulfilled)
	rejected := atomic.LoadInt64(&c.counters.RendersRejected)

	if fulfilled+rejected == 0 {
		return 0.0
	}
	return float64(rejected) / float64(fulfilled+rejected) * 100.0
}

// BatchRatio returns the average number of render jobs per wire request
func (c *Collector) BatchRatio() float64 {
	sent := atomic.LoadInt64(&c.counters.RequestsSent)
	batched := atomic.LoadInt64(&c.counters.RequestsBatched)

	if sent == 0 {
		return 0.0
	}
	return float64(sent+batched) / float64(sent)
}
