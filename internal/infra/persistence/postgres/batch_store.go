package postgres

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
)

const component = "store/postgres"

const (
	batchInsertSQL = `
INSERT INTO event_batches (write_key, body)
VALUES ($1, $2)
RETURNING id;
`

	batchAppendSQL = `
UPDATE event_batches
SET body = body || $2
WHERE id = $1
  AND closed = FALSE;
`

	batchCloseSQL = `
UPDATE event_batches
SET body = body || $2,
    closed = TRUE,
    closed_at = NOW()
WHERE id = $1
  AND closed = FALSE;
`

	batchOpenSQL = `
SELECT id, length(body)
FROM event_batches
WHERE write_key = $1
  AND closed = FALSE
ORDER BY id ASC;
`

	batchListClosedSQL = `
SELECT id, body
FROM event_batches
WHERE write_key = $1
  AND closed = TRUE
ORDER BY id ASC;
`

	batchDeleteSQL = `
DELETE FROM event_batches
WHERE id = $1
  AND write_key = $2
  AND closed = TRUE;
`

	batchDeleteByIDSQL = `
DELETE FROM event_batches
WHERE id = $1;
`

	batchDeleteAllSQL = `
DELETE FROM event_batches
WHERE write_key = $1;
`
)

// BatchStore persists batches as rows of event_batches, one open row per write key.
type BatchStore struct {
	pool     *pgxpool.Pool
	writeKey string
	limits   batchstore.Limits
	now      func() time.Time

	mu        sync.Mutex
	openID    int64
	openBytes int
}

// BatchOption configures a BatchStore.
type BatchOption func(*BatchStore)

// WithLimits overrides the batch ceiling and per-event cap.
func WithLimits(l batchstore.Limits) BatchOption {
	return func(s *BatchStore) {
		s.limits = l.Normalise()
	}
}

// WithClock overrides the clock used to stamp the batch sentAt suffix.
func WithClock(now func() time.Time) BatchOption {
	return func(s *BatchStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewBatchStore constructs a BatchStore backed by the provided pool. A batch left open by
// a previous process is closed so it becomes eligible for delivery.
func NewBatchStore(ctx context.Context, pool *pgxpool.Pool, writeKey string, opts ...BatchOption) (*BatchStore, error) {
	key := strings.TrimSpace(writeKey)
	if key == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("write key required"))
	}
	s := &BatchStore{
		pool:     pool,
		writeKey: key,
		limits:   batchstore.DefaultLimits(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.pool == nil {
		return s, nil
	}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BatchStore) recover(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, batchOpenSQL, s.writeKey)
	if err != nil {
		return storageErr("list open batches", err)
	}
	type openRow struct {
		id   int64
		size int
	}
	var open []openRow
	for rows.Next() {
		var r openRow
		if err := rows.Scan(&r.id, &r.size); err != nil {
			rows.Close()
			return storageErr("scan open batch", err)
		}
		open = append(open, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storageErr("iterate open batches", err)
	}
	for _, r := range open {
		if r.size <= len(batchstore.BatchPrefix) {
			if _, err := s.pool.Exec(ctx, batchDeleteByIDSQL, r.id); err != nil {
				return storageErr("remove empty batch", err)
			}
			continue
		}
		if _, err := s.pool.Exec(ctx, batchCloseSQL, r.id, batchstore.CloseSuffix(s.now())); err != nil {
			return storageErr("close leftover batch", err)
		}
	}
	return nil
}

func (s *BatchStore) ensurePool() error {
	if s.pool == nil {
		return errs.New(component, errs.CodeStorage, errs.WithMessage("nil pool"))
	}
	return nil
}

// Write appends the serialized event, rolling over first when the open batch would overflow.
func (s *BatchStore) Write(ctx context.Context, serialized string) error {
	if err := s.ensurePool(); err != nil {
		return err
	}
	if err := s.limits.CheckEvent(component, serialized); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limits.ShouldRollover(s.openBytes, len(serialized)) {
		if err := s.rolloverLocked(ctx); err != nil {
			return err
		}
	}
	fragment := batchstore.AppendEvent(s.openBytes, serialized)
	if s.openBytes == 0 {
		body := batchstore.BatchPrefix + fragment
		var id int64
		if err := s.pool.QueryRow(ctx, batchInsertSQL, s.writeKey, body).Scan(&id); err != nil {
			return storageErr("insert batch", err)
		}
		s.openID = id
		s.openBytes = len(body)
		return nil
	}
	if _, err := s.pool.Exec(ctx, batchAppendSQL, s.openID, fragment); err != nil {
		return storageErr("append event", err, errs.WithReference(s.reference(s.openID)))
	}
	s.openBytes += len(fragment)
	return nil
}

// Rollover closes the open batch; an empty open batch is left untouched.
func (s *BatchStore) Rollover(ctx context.Context) error {
	if err := s.ensurePool(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolloverLocked(ctx)
}

func (s *BatchStore) rolloverLocked(ctx context.Context) error {
	if s.openBytes <= len(batchstore.BatchPrefix) {
		return nil
	}
	if _, err := s.pool.Exec(ctx, batchCloseSQL, s.openID, batchstore.CloseSuffix(s.now())); err != nil {
		return storageErr("close batch", err, errs.WithReference(s.reference(s.openID)))
	}
	s.openID = 0
	s.openBytes = 0
	return nil
}

// Read returns the closed batches in insertion order.
func (s *BatchStore) Read(ctx context.Context) ([]batchstore.Batch, error) {
	if err := s.ensurePool(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.pool.Query(ctx, batchListClosedSQL, s.writeKey)
	if err != nil {
		return nil, storageErr("list batches", err)
	}
	defer rows.Close()

	var out []batchstore.Batch
	for rows.Next() {
		var (
			id   int64
			body string
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, storageErr("scan batch", err)
		}
		out = append(out, batchstore.Batch{Reference: s.reference(id), Payload: body, Closed: true})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate batches", err)
	}
	return out, nil
}

// Remove deletes the closed batch identified by reference.
func (s *BatchStore) Remove(ctx context.Context, reference string) (bool, error) {
	if err := s.ensurePool(); err != nil {
		return false, err
	}
	id, ok := s.parseReference(reference)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.pool.Exec(ctx, batchDeleteSQL, id, s.writeKey)
	if err != nil {
		return false, storageErr("remove batch", err, errs.WithReference(reference))
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveAll deletes every batch row of the write key.
func (s *BatchStore) RemoveAll(ctx context.Context) error {
	if err := s.ensurePool(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.pool.Exec(ctx, batchDeleteAllSQL, s.writeKey); err != nil {
		return storageErr("remove all batches", err)
	}
	s.openID = 0
	s.openBytes = 0
	return nil
}

func (s *BatchStore) reference(id int64) string {
	return batchstore.Reference(s.writeKey, strconv.FormatInt(id, 10))
}

func (s *BatchStore) parseReference(reference string) (int64, bool) {
	raw, ok := strings.CutPrefix(reference, s.writeKey+batchstore.ReferenceSeparator)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func storageErr(msg string, cause error, opts ...errs.Option) error {
	if errors.Is(cause, pgx.ErrNoRows) {
		msg += ": no rows"
	}
	opts = append([]errs.Option{errs.WithMessage(msg), errs.WithCause(cause)}, opts...)
	return errs.New(component, errs.CodeStorage, opts...)
}

var _ batchstore.Store = (*BatchStore)(nil)
