// Package disk provides the file-backed batch store: one file per batch under a directory
// scoped to the write key, so batches survive process restarts.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
)

const (
	component     = "store/disk"
	openExtension = ".tmp"
	dirPerm       = 0o755
	filePerm      = 0o600
)

// Store persists the open batch as <writeKey>-<index>.tmp and closed batches as
// <writeKey>-<index>. The file name of a closed batch is its reference.
type Store struct {
	dir      string
	writeKey string
	limits   batchstore.Limits
	now      func() time.Time
	logger   *log.Logger

	mu        sync.Mutex
	nextIndex int
	openIndex int
	openBytes int
}

// Option configures a disk store.
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

// WithLogger sets the logger used for recovery notices.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New opens the store rooted at baseDir/writeKey, promoting any batch left open by a
// previous process to closed.
func New(baseDir, writeKey string, opts ...Option) (*Store, error) {
	key := strings.TrimSpace(writeKey)
	if key == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("write key required"))
	}
	if strings.ContainsAny(key, `/\`) {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("write key must not contain path separators"))
	}
	if strings.TrimSpace(baseDir) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("storage directory required"))
	}
	s := &Store{
		dir:      filepath.Join(baseDir, key),
		writeKey: key,
		limits:   batchstore.DefaultLimits(),
		now:      time.Now,
		logger:   log.New(os.Stdout, "store/disk ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return nil, storageErr("create storage directory", err)
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory holding this store's batch files.
func (s *Store) Dir() string {
	return s.dir
}

type entry struct {
	index int
	open  bool
	name  string
}

func (s *Store) scan() ([]entry, error) {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, storageErr("list storage directory", err)
	}
	prefix := s.writeKey + "-"
	out := make([]entry, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		raw := strings.TrimPrefix(name, prefix)
		open := strings.HasSuffix(raw, openExtension)
		raw = strings.TrimSuffix(raw, openExtension)
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			continue
		}
		out = append(out, entry{index: idx, open: open, name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

func (s *Store) recover() error {
	entries, err := s.scan()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.index >= s.nextIndex {
			s.nextIndex = e.index + 1
		}
		if !e.open {
			continue
		}
		path := filepath.Join(s.dir, e.name)
		data, err := os.ReadFile(path)
		if err != nil {
			return storageErr("read open batch", err)
		}
		if len(data) <= len(batchstore.BatchPrefix) {
			if err := os.Remove(path); err != nil {
				return storageErr("remove empty batch", err)
			}
			continue
		}
		if err := s.close(path, s.closedName(e.index), int64(len(data))); err != nil {
			return err
		}
		s.logger.Printf("promoted batch left open by a previous run: %s", s.closedName(e.index))
	}
	return nil
}

func (s *Store) openName(idx int) string {
	return fmt.Sprintf("%s-%d%s", s.writeKey, idx, openExtension)
}

func (s *Store) closedName(idx int) string {
	return fmt.Sprintf("%s-%d", s.writeKey, idx)
}

// Write appends the serialized event, rolling over first when the open batch would overflow.
func (s *Store) Write(_ context.Context, serialized string) error {
	if err := s.limits.CheckEvent(component, serialized); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limits.ShouldRollover(s.openBytes, len(serialized)) {
		if err := s.rolloverLocked(); err != nil {
			return err
		}
	}
	fragment := batchstore.AppendEvent(s.openBytes, serialized)
	idx := s.openIndex
	fresh := s.openBytes == 0
	if fresh {
		idx = s.nextIndex
		fragment = batchstore.BatchPrefix + fragment
	}
	path := filepath.Join(s.dir, s.openName(idx))
	if err := appendFile(path, fragment); err != nil {
		s.restore(path, int64(s.openBytes), fresh)
		return storageErr("append event", err)
	}
	if fresh {
		s.openIndex = idx
		s.nextIndex++
	}
	s.openBytes += len(fragment)
	return nil
}

// restore cuts a partially written open batch back to size, or removes it when the failed
// write would have created it.
func (s *Store) restore(path string, size int64, created bool) {
	var err error
	if created {
		err = os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
	} else {
		err = os.Truncate(path, size)
	}
	if err != nil {
		s.logger.Printf("restore open batch %s: %v", filepath.Base(path), err)
	}
}

// Rollover closes the open batch; an empty open batch is left untouched.
func (s *Store) Rollover(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rolloverLocked()
}

func (s *Store) rolloverLocked() error {
	if s.openBytes <= len(batchstore.BatchPrefix) {
		return nil
	}
	path := filepath.Join(s.dir, s.openName(s.openIndex))
	if err := s.close(path, s.closedName(s.openIndex), int64(s.openBytes)); err != nil {
		return err
	}
	s.openBytes = 0
	return nil
}

// close seals the open batch of the given size and renames it. On failure the file is cut
// back to size so it stays open and appendable.
func (s *Store) close(openPath, closedName string, size int64) error {
	if err := appendFile(openPath, batchstore.CloseSuffix(s.now())); err != nil {
		s.restore(openPath, size, false)
		return storageErr("close batch", err)
	}
	if err := os.Rename(openPath, filepath.Join(s.dir, closedName)); err != nil {
		s.restore(openPath, size, false)
		return storageErr("rename batch", err)
	}
	return nil
}

// Read returns the closed batches ordered by index.
func (s *Store) Read(_ context.Context) ([]batchstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.scan()
	if err != nil {
		return nil, err
	}
	out := make([]batchstore.Batch, 0, len(entries))
	for _, e := range entries {
		if e.open {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.name))
		if err != nil {
			return nil, storageErr("read batch", err, errs.WithReference(e.name))
		}
		out = append(out, batchstore.Batch{Reference: e.name, Payload: string(data), Closed: true})
	}
	return out, nil
}

// Remove deletes the closed batch file named by reference.
func (s *Store) Remove(_ context.Context, reference string) (bool, error) {
	name := strings.TrimSpace(reference)
	if name == "" || name != filepath.Base(name) || strings.HasSuffix(name, openExtension) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storageErr("remove batch", err, errs.WithReference(name))
	}
	return true, nil
}

// RemoveAll deletes every batch file, open or closed.
func (s *Store) RemoveAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.scan()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.dir, e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storageErr("remove batch", err, errs.WithReference(e.name))
		}
	}
	s.openBytes = 0
	return nil
}

func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func storageErr(msg string, cause error, opts ...errs.Option) error {
	opts = append([]errs.Option{errs.WithMessage(msg), errs.WithCause(cause)}, opts...)
	return errs.New(component, errs.CodeStorage, opts...)
}

var _ batchstore.Store = (*Store)(nil)
