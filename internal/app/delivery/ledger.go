package delivery

import (
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/pulse/internal/domain/batchstore"
)

// Retry headers attached to re-attempted uploads.
const (
	HeaderRetryAttempt     = "Rsa-Retry-Attempt"
	HeaderSinceLastAttempt = "Rsa-Since-Last-Attempt"
	HeaderRetryReason      = "Rsa-Retry-Reason"
)

// BackoffConfig tunes the per-batch exponential backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff returns 3s initial delay doubling up to 5m with 50% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    3 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

func (c BackoffConfig) normalise() BackoffConfig {
	def := DefaultBackoff()
	if c.Initial <= 0 {
		c.Initial = def.Initial
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	return c
}

func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Initial
	b.MaxInterval = c.Max
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}

type retryState struct {
	attempt int
	last    time.Time
	reason  string
	backoff *backoff.ExponentialBackOff
}

// ledger keeps retry bookkeeping per batch reference. Entries live only as long as the
// batch they describe. Every reset starts a new generation; failures observed against an
// older generation are ignored.
type ledger struct {
	cfg BackoffConfig
	now func() time.Time

	mu      sync.Mutex
	gen     uint64
	entries map[string]*retryState
}

func newLedger(cfg BackoffConfig, now func() time.Time) *ledger {
	return &ledger{cfg: cfg.normalise(), now: now, entries: make(map[string]*retryState)}
}

// headers returns the retry headers for a batch that failed before, or nil.
func (l *ledger) headers(ref string) map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.entries[ref]
	if !ok {
		return nil
	}
	since := l.now().Sub(st.last)
	if since < 0 {
		since = 0
	}
	return map[string]string{
		HeaderRetryAttempt:     strconv.Itoa(st.attempt),
		HeaderSinceLastAttempt: strconv.FormatInt(since.Milliseconds(), 10),
		HeaderRetryReason:      st.reason,
	}
}

func (l *ledger) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// fail records a retryable failure and returns the delay before the next attempt. It reports
// false when the ledger was reset after gen was taken.
func (l *ledger) fail(ref, reason string, gen uint64) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return 0, false
	}
	st, ok := l.entries[ref]
	if !ok {
		st = &retryState{backoff: l.cfg.newBackOff()}
		l.entries[ref] = st
	}
	st.attempt++
	st.last = l.now()
	st.reason = reason
	delay := st.backoff.NextBackOff()
	if delay == backoff.Stop || delay > l.cfg.Max {
		delay = l.cfg.Max
	}
	return delay, true
}

func (l *ledger) attempts(ref string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.entries[ref]; ok {
		return st.attempt
	}
	return 0
}

func (l *ledger) clear(ref string) {
	l.mu.Lock()
	delete(l.entries, ref)
	l.mu.Unlock()
}

// retain drops entries for batches no longer in the store.
func (l *ledger) retain(batches []batchstore.Batch) {
	live := make(map[string]struct{}, len(batches))
	for _, b := range batches {
		live[b.Reference] = struct{}{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for ref := range l.entries {
		if _, ok := live[ref]; !ok {
			delete(l.entries, ref)
		}
	}
}

func (l *ledger) reset() {
	l.mu.Lock()
	l.gen++
	l.entries = make(map[string]*retryState)
	l.mu.Unlock()
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
