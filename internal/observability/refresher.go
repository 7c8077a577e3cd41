package observability

import (
	"context"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// SystemRefreshInterval is how often memory and goroutine gauges update.
	SystemRefreshInterval = 30 * time.Second
	// PoolRefreshInterval is how often storage pool gauges update.
	PoolRefreshInterval = time.Second
)

// RunRefresher calls fn once immediately and then every interval until ctx
// is done.
func RunRefresher(ctx context.Context, clk clock.Clock, interval time.Duration, fn func()) {
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// RefreshSystem records heap usage and goroutine count.
func RefreshSystem(sink Sink) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	sink.SetMemoryUsage(ms.HeapAlloc)
	sink.SetGoroutines(runtime.NumGoroutine())
}
