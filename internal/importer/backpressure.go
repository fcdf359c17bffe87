package importer

import (
	"context"
	"log"
	"runtime"
	"time"
)

const (
	defaultMemoryLimitBytes = 1 << 30 // 1 GiB
	defaultHeadroomFraction = 0.5
	defaultBackoffDelay     = 5 * time.Second
	maxBackoffAttempts      = 3
)

// MemoryGuard implements advisory backpressure: before the next batch is
// admitted it samples heap usage against a fixed memory budget, and when
// headroom drops below the threshold it asks the runtime to reclaim and
// stalls the worker before re-sampling. It never blocks forever; after a
// bounded number of attempts the batch proceeds regardless.
type MemoryGuard struct {
	limitBytes uint64
	fraction   float64
	delay      time.Duration
	sample     func() uint64
}

// MemoryGuardOption customizes a guard.
type MemoryGuardOption func(*MemoryGuard)

// WithHeadroomFraction overrides the minimum free fraction of the budget.
func WithHeadroomFraction(fraction float64) MemoryGuardOption {
	return func(g *MemoryGuard) {
		if fraction > 0 && fraction < 1 {
			g.fraction = fraction
		}
	}
}

// WithBackoffDelay overrides the stall duration between samples.
func WithBackoffDelay(delay time.Duration) MemoryGuardOption {
	return func(g *MemoryGuard) {
		if delay > 0 {
			g.delay = delay
		}
	}
}

// WithSampler injects a heap sampler, used by tests.
func WithSampler(sample func() uint64) MemoryGuardOption {
	return func(g *MemoryGuard) {
		if sample != nil {
			g.sample = sample
		}
	}
}

// NewMemoryGuard creates a guard with the given budget in bytes.
func NewMemoryGuard(limitBytes uint64, opts ...MemoryGuardOption) *MemoryGuard {
	guard := &MemoryGuard{
		limitBytes: limitBytes,
		fraction:   defaultHeadroomFraction,
		delay:      defaultBackoffDelay,
		sample:     heapInUse,
	}
	if guard.limitBytes == 0 {
		guard.limitBytes = defaultMemoryLimitBytes
	}
	for _, opt := range opts {
		opt(guard)
	}
	return guard
}

// WaitForHeadroom blocks until enough memory headroom is available, the
// attempt budget is exhausted, or the context is cancelled.
func (g *MemoryGuard) WaitForHeadroom(ctx context.Context) error {
	for attempt := 0; attempt < maxBackoffAttempts; attempt++ {
		used := g.sample()
		if g.headroomOK(used) {
			return nil
		}

		log.Printf("[import] low memory headroom (used=%d limit=%d), requesting GC and stalling", used, g.limitBytes)
		runtime.GC()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.delay):
		}
	}
	// Advisory only: proceed and let the next batch be attempted.
	return nil
}

func (g *MemoryGuard) headroomOK(used uint64) bool {
	if used >= g.limitBytes {
		return false
	}
	headroom := g.limitBytes - used
	return float64(headroom) >= float64(g.limitBytes)*g.fraction
}

func heapInUse() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapInuse
}
