package relay

import (
	"sync"
	"time"

	"github.com/piera23/PieraChat/internal/config"
)

// rateWindow is one source's fixed-window counter.
type rateWindow struct {
	windowStart time.Time
	count       int
}

// AdmissionController gates new connection attempts per source address
// with a fixed window: the counter resets wholesale once the window
// elapses rather than sliding, so bursts straddling a window boundary are
// accepted as a known tradeoff.
type AdmissionController struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	maxAttempts  int
	windowLength time.Duration
	windowTTL    time.Duration
	nowFn        func() time.Time
}

// NewAdmissionController builds a controller from config.
func NewAdmissionController(cfg config.AdmissionConfig) *AdmissionController {
	return &AdmissionController{
		windows:      make(map[string]*rateWindow),
		maxAttempts:  cfg.MaxAttempts,
		windowLength: cfg.WindowLength,
		windowTTL:    cfg.WindowTTL,
		nowFn:        time.Now,
	}
}

// Allow checks and records one connection attempt from sourceKey. Denied
// attempts are not counted against the window.
func (a *AdmissionController) Allow(sourceKey string) bool {
	now := a.nowFn()

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[sourceKey]
	if !ok {
		a.windows[sourceKey] = &rateWindow{windowStart: now, count: 1}
		return true
	}
	if now.Sub(w.windowStart) >= a.windowLength {
		w.windowStart = now
		w.count = 1
		return true
	}
	if w.count >= a.maxAttempts {
		return false
	}
	w.count++
	return true
}

// SweepStale evicts windows idle longer than the configured TTL, bounding
// growth under source-address churn. Returns the number evicted.
func (a *AdmissionController) SweepStale(now time.Time) int {
	if a.windowTTL <= 0 {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, w := range a.windows {
		if now.Sub(w.windowStart) > a.windowTTL {
			delete(a.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked source windows.
func (a *AdmissionController) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}
