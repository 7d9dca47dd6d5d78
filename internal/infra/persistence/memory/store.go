// Package memory provides the in-process batch store. Batches do not survive a restart.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
)

const component = "store/memory"

// Store keeps one open batch and an ordered list of closed batches in memory.
type Store struct {
	writeKey string
	limits   batchstore.Limits
	now      func() time.Time

	mu      sync.Mutex
	open    strings.Builder
	openRef string
	closed  []batchstore.Batch
}

// Option configures a memory store.
type Option func(*Store)

// WithLimits overrides the batch ceiling and per-event cap.
func WithLimits(l batchstore.Limits) Option {
	return func(s *Store) {
		s.limits = l.Normalise()
	}
}

// WithClock overrides the clock used to stamp the batch sentAt suffix.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a memory store scoped to the write key.
func New(writeKey string, opts ...Option) (*Store, error) {
	key := strings.TrimSpace(writeKey)
	if key == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("write key required"))
	}
	s := &Store{
		writeKey: key,
		limits:   batchstore.DefaultLimits(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Write appends the serialized event, rolling over first when the open batch would overflow.
func (s *Store) Write(_ context.Context, serialized string) error {
	if err := s.limits.CheckEvent(component, serialized); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limits.ShouldRollover(s.open.Len(), len(serialized)) {
		s.rolloverLocked()
	}
	if s.open.Len() == 0 {
		s.openRef = batchstore.Reference(s.writeKey, uuid.NewString())
		s.open.WriteString(batchstore.BatchPrefix)
	}
	s.open.WriteString(batchstore.AppendEvent(s.open.Len(), serialized))
	return nil
}

// Rollover closes the open batch; an empty open batch is left untouched.
func (s *Store) Rollover(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return nil
}

func (s *Store) rolloverLocked() {
	if s.open.Len() <= len(batchstore.BatchPrefix) {
		return
	}
	body := s.open.String() + batchstore.CloseSuffix(s.now())
	s.closed = append(s.closed, batchstore.Batch{Reference: s.openRef, Payload: body, Closed: true})
	s.open.Reset()
	s.openRef = ""
}

// Read returns a snapshot of the closed batches, oldest first.
func (s *Store) Read(_ context.Context) ([]batchstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]batchstore.Batch, len(s.closed))
	copy(out, s.closed)
	return out, nil
}

// Remove deletes the closed batch with the given reference.
func (s *Store) Remove(_ context.Context, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.closed {
		if b.Reference == reference {
			s.closed = append(s.closed[:i], s.closed[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// RemoveAll drops the open batch and every closed batch.
func (s *Store) RemoveAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open.Reset()
	s.openRef = ""
	s.closed = nil
	return nil
}

var _ batchstore.Store = (*Store)(nil)
