package flush

import "context"

// Set combines policies with logical OR. An explicit flush bypasses the set entirely.
type Set struct {
	policies []Policy
}

// NewSet groups the given policies; nil entries are ignored.
func NewSet(policies ...Policy) *Set {
	s := &Set{}
	for _, p := range policies {
		if p != nil {
			s.policies = append(s.policies, p)
		}
	}
	return s
}

// Defaults returns the count, interval and startup policies with default settings.
func Defaults() *Set {
	return NewSet(NewCount(DefaultCount), NewInterval(DefaultInterval), NewStartup())
}

// Len returns the number of policies.
func (s *Set) Len() int { return len(s.policies) }

// Observe notifies counting policies of a stored event.
func (s *Set) Observe() {
	for _, p := range s.policies {
		if o, ok := p.(Observer); ok {
			o.Observe()
		}
	}
}

// ShouldFlush evaluates every policy so one-shot policies are consumed even when another
// policy already fired.
func (s *Set) ShouldFlush() bool {
	due := false
	for _, p := range s.policies {
		if p.ShouldFlush() {
			due = true
		}
	}
	return due
}

// Reset clears counting policies after a flush.
func (s *Set) Reset() {
	for _, p := range s.policies {
		if o, ok := p.(Observer); ok {
			o.Reset()
		}
	}
}

// Start launches scheduling policies.
func (s *Set) Start(ctx context.Context, trigger func()) {
	for _, p := range s.policies {
		if sc, ok := p.(Scheduler); ok {
			sc.Start(ctx, trigger)
		}
	}
}

// Stop halts scheduling policies.
func (s *Set) Stop() {
	for _, p := range s.policies {
		if sc, ok := p.(Scheduler); ok {
			sc.Stop()
		}
	}
}
