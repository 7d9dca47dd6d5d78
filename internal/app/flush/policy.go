// Package flush decides when buffered events are rolled over and handed to delivery.
package flush

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	// DefaultCount is the number of stored events that triggers a flush.
	DefaultCount = 30
	// MinCount and MaxCount clamp the count threshold.
	MinCount = 1
	MaxCount = 100
	// DefaultInterval is the periodic flush frequency.
	DefaultInterval = 10 * time.Second
	// MinInterval bounds the periodic flush frequency from below.
	MinInterval = time.Millisecond
)

// Policy answers whether a flush is due.
type Policy interface {
	ShouldFlush() bool
}

// Observer is a policy that counts stored events.
type Observer interface {
	Policy
	Observe()
	Reset()
}

// Scheduler is a policy that triggers flushes on its own clock.
type Scheduler interface {
	Policy
	Start(ctx context.Context, trigger func())
	Stop()
}

// Count fires once the number of stored events reaches the threshold.
type Count struct {
	threshold int64
	seen      atomic.Int64
}

// NewCount creates a count policy; the threshold is clamped to [MinCount, MaxCount].
func NewCount(threshold int) *Count {
	if threshold < MinCount {
		threshold = MinCount
	}
	if threshold > MaxCount {
		threshold = MaxCount
	}
	return &Count{threshold: int64(threshold)}
}

// Threshold returns the effective threshold.
func (c *Count) Threshold() int { return int(c.threshold) }

// Observe records one stored event.
func (c *Count) Observe() { c.seen.Add(1) }

// Reset clears the counter after a flush.
func (c *Count) Reset() { c.seen.Store(0) }

// ShouldFlush reports whether the threshold was reached.
func (c *Count) ShouldFlush() bool { return c.seen.Load() >= c.threshold }

// Startup fires exactly once, for the first evaluation after the client starts.
type Startup struct {
	fired atomic.Bool
}

// NewStartup creates a startup policy.
func NewStartup() *Startup { return &Startup{} }

// ShouldFlush returns true on the first call only.
func (s *Startup) ShouldFlush() bool {
	return s.fired.CompareAndSwap(false, true)
}

// Interval triggers a flush every period.
type Interval struct {
	every time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// NewInterval creates an interval policy; periods below MinInterval are raised to it.
func NewInterval(every time.Duration) *Interval {
	if every <= 0 {
		every = DefaultInterval
	}
	if every < MinInterval {
		every = MinInterval
	}
	return &Interval{every: every}
}

// Every returns the effective period.
func (i *Interval) Every() time.Duration { return i.every }

// ShouldFlush is always false: the interval acts through its own schedule.
func (i *Interval) ShouldFlush() bool { return false }

// Start runs trigger every period until Stop or ctx ends. Starting twice is a no-op.
func (i *Interval) Start(ctx context.Context, trigger func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil || trigger == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.wg = conc.NewWaitGroup()
	i.wg.Go(func() {
		ticker := time.NewTicker(i.every)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				trigger()
			}
		}
	})
}

// Stop cancels the schedule and waits for the ticker goroutine to exit.
func (i *Interval) Stop() {
	i.mu.Lock()
	cancel, wg := i.cancel, i.wg
	i.cancel, i.wg = nil, nil
	i.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
}
