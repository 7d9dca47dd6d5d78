package plugin

import (
	"context"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/infra/telemetry"
	"github.com/coachpo/pulse/internal/observability"
	"github.com/coachpo/pulse/lib/async"
)

// Storage is the terminal plugin that serializes each event and hands the write to the
// serialized store worker.
type Storage struct {
	Base
	store   batchstore.Store
	writer  *async.Pool
	metrics *telemetry.Instruments
	stored  func(event.Event)
}

// StorageOption configures the storage plugin.
type StorageOption func(*Storage)

// WithInstruments records written and dropped events.
func WithInstruments(in *telemetry.Instruments) StorageOption {
	return func(s *Storage) {
		s.metrics = in
	}
}

// OnStored registers a callback invoked on the writer worker after each successful write.
func OnStored(fn func(event.Event)) StorageOption {
	return func(s *Storage) {
		s.stored = fn
	}
}

// NewStorage creates the storage plugin writing to store through writer.
func NewStorage(store batchstore.Store, writer *async.Pool, opts ...StorageOption) *Storage {
	s := &Storage{store: store, writer: writer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Stage returns StageTerminal.
func (s *Storage) Stage() Stage { return StageTerminal }

// Intercept serializes the event and submits the write. The caller never waits for the
// store; failures are logged and the single event is dropped.
func (s *Storage) Intercept(ctx context.Context, e event.Event) (event.Event, bool) {
	serialized, err := event.Serialize(e)
	if err != nil {
		s.drop(ctx, e, telemetry.ReasonInvalid, err)
		return e, true
	}
	typ := string(e.Type)
	messageID := e.MessageID
	task := func(taskCtx context.Context) error {
		if err := s.store.Write(taskCtx, serialized); err != nil {
			reason := telemetry.ReasonStorage
			if errs.CodeOf(err) == errs.CodeInvalid {
				reason = telemetry.ReasonTooLarge
			}
			s.metrics.EventDropped(taskCtx, reason)
			s.Logger().Error("event write failed; event dropped",
				observability.F("messageId", messageID),
				observability.F("bytes", len(serialized)),
				observability.Err(err))
			return nil
		}
		s.metrics.EventWritten(taskCtx, typ)
		if s.stored != nil {
			s.stored(e)
		}
		return nil
	}
	if err := s.writer.Submit(context.WithoutCancel(ctx), task); err != nil {
		reason := telemetry.ReasonQueueFull
		if async.IsClosed(err) {
			reason = telemetry.ReasonShutdown
		}
		s.drop(ctx, e, reason, err)
	}
	return e, true
}

func (s *Storage) drop(ctx context.Context, e event.Event, reason string, err error) {
	s.metrics.EventDropped(ctx, reason)
	s.Logger().Warn("event dropped before storage",
		observability.F("messageId", e.MessageID),
		observability.F("reason", reason),
		observability.Err(err))
}
