// Package batchstore defines the persistence contract for batched, serialized analytics events.
package batchstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/event"
)

const (
	// BatchPrefix opens every batch body.
	BatchPrefix = `{"batch":[`
	// SentAtSeparator closes the event array and opens the batch-level sentAt value.
	SentAtSeparator = `],"sentAt":"`
	// BatchSuffix terminates a closed batch.
	BatchSuffix = `"}`
	// EventSeparator joins serialized events inside the array.
	EventSeparator = ","
	// ReferenceSeparator joins the write key and the batch id in a reference.
	ReferenceSeparator = "~"

	// DefaultMaxBatchBytes bounds the pre-suffix body of an open batch.
	DefaultMaxBatchBytes = 500 * 1024
	// DefaultMaxEventBytes bounds a single serialized event.
	DefaultMaxEventBytes = 32 * 1024
)

// Batch is one group of serialized events. Closed batches are immutable and eligible for delivery.
type Batch struct {
	Reference string
	Payload   string
	Closed    bool
}

// Size returns the payload length in bytes.
func (b Batch) Size() int {
	return len(b.Payload)
}

// Store accumulates serialized events into size-bounded batches. Implementations serialize
// all operations on one instance.
type Store interface {
	// Write appends one serialized event to the open batch, rolling over first when the
	// event would push the open batch past the ceiling.
	Write(ctx context.Context, serialized string) error
	// Rollover closes the open batch. It is a no-op when the open batch is empty.
	Rollover(ctx context.Context) error
	// Read returns the closed batches in creation order without consuming them.
	Read(ctx context.Context) ([]Batch, error)
	// Remove deletes a closed batch and reports whether it existed.
	Remove(ctx context.Context, reference string) (bool, error)
	// RemoveAll clears open and closed batches.
	RemoveAll(ctx context.Context) error
}

// Limits bounds batch and event sizes.
type Limits struct {
	MaxBatchBytes int
	MaxEventBytes int
}

// DefaultLimits returns the default batch ceiling and per-event cap.
func DefaultLimits() Limits {
	return Limits{MaxBatchBytes: DefaultMaxBatchBytes, MaxEventBytes: DefaultMaxEventBytes}
}

// Normalise replaces non-positive values with defaults. A defaulted event cap never exceeds
// the ceiling.
func (l Limits) Normalise() Limits {
	if l.MaxBatchBytes <= 0 {
		l.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if l.MaxEventBytes <= 0 {
		l.MaxEventBytes = min(DefaultMaxEventBytes, l.MaxBatchBytes)
	}
	return l
}

// CheckEvent rejects empty or oversized serialized events.
func (l Limits) CheckEvent(component, serialized string) error {
	if strings.TrimSpace(serialized) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("empty event"))
	}
	if len(serialized) > l.MaxEventBytes {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("event exceeds max size"),
			errs.WithField("bytes", strconv.Itoa(len(serialized))),
			errs.WithField("limit", strconv.Itoa(l.MaxEventBytes)))
	}
	return nil
}

// ShouldRollover reports whether the open body must be closed before appending the event.
// An empty open batch always accepts the event, so a single oversized event still lands
// in a batch of its own.
func (l Limits) ShouldRollover(openBytes, eventBytes int) bool {
	if openBytes <= len(BatchPrefix) {
		return false
	}
	return openBytes+len(EventSeparator)+eventBytes > l.MaxBatchBytes
}

// AppendEvent returns the body fragment to append for the event.
func AppendEvent(openBytes int, serialized string) string {
	if openBytes <= len(BatchPrefix) {
		return serialized
	}
	return EventSeparator + serialized
}

// CloseSuffix renders the suffix that closes a batch at the given send time.
func CloseSuffix(at time.Time) string {
	return SentAtSeparator + event.FormatTimestamp(at) + BatchSuffix
}

// IsClosedBody reports whether a stored body is a complete closed batch.
func IsClosedBody(body string) bool {
	return strings.HasPrefix(body, BatchPrefix) && strings.HasSuffix(body, BatchSuffix) &&
		strings.Contains(body, SentAtSeparator)
}

// Reference joins a write key and a batch id.
func Reference(writeKey, id string) string {
	return writeKey + ReferenceSeparator + id
}

// Events splits a closed batch body back into its serialized events.
func Events(payload string) []string {
	if !strings.HasPrefix(payload, BatchPrefix) {
		return nil
	}
	body := strings.TrimPrefix(payload, BatchPrefix)
	if idx := strings.LastIndex(body, SentAtSeparator); idx >= 0 {
		body = body[:idx]
	}
	if body == "" {
		return nil
	}
	var out []string
	depth := 0
	inString := false
	escaped := false
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, body[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, body[start:])
	return out
}

