package collab

import (
	"runtime"
	"sync"
	"time"
)

// ProcessGauges is the default Gauges implementation: process-local
// approximations good enough for health thresholds. Readings are cached
// briefly to keep the health loop cheap.
type ProcessGauges struct {
	// MemLimitBytes is the soft ceiling used to turn heap use into a
	// percentage. Zero defaults to 1 GiB.
	MemLimitBytes uint64
	// QuotaFn optionally reports external API quota consumption.
	QuotaFn func() float64

	mu      sync.Mutex
	lastMem float64
	readAt  time.Time
}

func (g *ProcessGauges) CPUUsage() float64 {
	// Goroutine pressure relative to logical CPUs as a cheap proxy.
	pct := float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()*100) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func (g *ProcessGauges) MemoryUsage() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.readAt) < 5*time.Second {
		return g.lastMem
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := g.MemLimitBytes
	if limit == 0 {
		limit = 1 << 30
	}
	pct := float64(ms.HeapAlloc) / float64(limit) * 100
	if pct > 100 {
		pct = 100
	}
	g.lastMem = pct
	g.readAt = time.Now()
	return pct
}

func (g *ProcessGauges) StorageHealth() float64 { return 0 }

func (g *ProcessGauges) ExternalQuotaUsage() float64 {
	if g.QuotaFn != nil {
		return g.QuotaFn()
	}
	return 0
}
