package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultFallbackPollInterval = 20 * time.Second

// FallbackPoller ticks while realtime delivery is unavailable. Start and
// Stop are idempotent.
type FallbackPoller struct {
	clock clock.Clock

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func NewFallbackPoller(clk clock.Clock) *FallbackPoller {
	if clk == nil {
		clk = clock.New()
	}
	return &FallbackPoller{clock: clk}
}

// Start begins ticking every interval. It reports false when already running.
func (p *FallbackPoller) Start(interval time.Duration, onTick func()) bool {
	if interval <= 0 {
		interval = DefaultFallbackPollInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return false
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	p.stopCh = stopCh
	p.done = done
	ticker := p.clock.Ticker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				select {
				case <-stopCh:
					return
				default:
				}
				onTick()
			}
		}
	}()
	return true
}

// Stop halts the ticker and waits for an in-progress tick to return.
func (p *FallbackPoller) Stop() {
	p.mu.Lock()
	stopCh, done := p.stopCh, p.done
	p.stopCh, p.done = nil, nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
}

func (p *FallbackPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

// StartFallbackPolling runs onTick every interval until the returned cancel
// is called. Calling cancel more than once is safe.
func StartFallbackPolling(clk clock.Clock, interval time.Duration, onTick func()) func() {
	p := NewFallbackPoller(clk)
	p.Start(interval, onTick)
	return p.Stop
}
