package disk

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
)

func fixedClock() time.Time {
	return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
}

func quiet() Option {
	return WithLogger(log.New(io.Discard, "", 0))
}

func newStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{quiet(), WithClock(fixedClock)}, opts...)
	s, err := New(dir, "wk", opts...)
	require.NoError(t, err)
	return s
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(t.TempDir(), "")
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	_, err = New(t.TempDir(), "a/b")
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	_, err = New("", "wk")
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestWriteAndRolloverLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)

	require.NoError(t, s.Write(ctx, `{"a":1}`))
	require.NoError(t, s.Write(ctx, `{"a":2}`))
	require.FileExists(t, filepath.Join(dir, "wk", "wk-0.tmp"))

	batches, err := s.Read(ctx)
	require.NoError(t, err)
	require.Empty(t, batches, "open batches are not readable")

	require.NoError(t, s.Rollover(ctx))
	require.NoError(t, s.Rollover(ctx))
	require.NoFileExists(t, filepath.Join(dir, "wk", "wk-0.tmp"))

	batches, err = s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, "wk-0", batches[0].Reference)
	require.Equal(t, `{"batch":[{"a":1},{"a":2}],"sentAt":"2026-05-06T07:08:09.000Z"}`, batches[0].Payload)
}

func TestCeilingProducesTwoBatches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), WithLimits(batchstore.Limits{MaxBatchBytes: 250, MaxEventBytes: 1024}))

	for i := 0; i < 3; i++ {
		ev := fmt.Sprintf(`{"id":%d,"pad":"%s"}`, i, strings.Repeat("x", 83))
		require.Len(t, ev, 100)
		require.NoError(t, s.Write(ctx, ev))
	}
	require.NoError(t, s.Rollover(ctx))

	batches, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, []string{"wk-0", "wk-1"}, []string{batches[0].Reference, batches[1].Reference})
	for _, b := range batches {
		require.LessOrEqual(t, b.Size(), 350)
	}
}

func TestRemoveAndRemoveAll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(ctx, fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, s.Rollover(ctx))
	}

	removed, err := s.Remove(ctx, "wk-1")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = s.Remove(ctx, "wk-1")
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = s.Remove(ctx, "../wk-0")
	require.NoError(t, err)
	require.False(t, removed)

	batches, err := s.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"wk-0", "wk-2"}, []string{batches[0].Reference, batches[1].Reference})

	require.NoError(t, s.Write(ctx, `{"open":1}`))
	require.NoError(t, s.RemoveAll(ctx))
	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, s.Write(ctx, `{"fresh":1}`))
	require.NoError(t, s.Rollover(ctx))
	batches, err = s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, []string{`{"fresh":1}`}, batchstore.Events(batches[0].Payload))
}

func TestRestartPromotesOpenBatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := newStore(t, dir)
	require.NoError(t, first.Write(ctx, `{"n":0}`))
	require.NoError(t, first.Rollover(ctx))
	require.NoError(t, first.Write(ctx, `{"n":1}`))

	second := newStore(t, dir)
	batches, err := second.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, "wk-1", batches[1].Reference)
	require.True(t, batchstore.IsClosedBody(batches[1].Payload))
	require.Equal(t, []string{`{"n":1}`}, batchstore.Events(batches[1].Payload))

	require.NoError(t, second.Write(ctx, `{"n":2}`))
	require.FileExists(t, filepath.Join(dir, "wk", "wk-2.tmp"))
}

func TestRestartDropsEmptyOpenBatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wk"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wk", "wk-4.tmp"), []byte(batchstore.BatchPrefix), 0o600))

	s := newStore(t, dir)
	batches, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Empty(t, batches)
	require.NoFileExists(t, filepath.Join(dir, "wk", "wk-4.tmp"))

	require.NoError(t, s.Write(context.Background(), `{"n":1}`))
	require.FileExists(t, filepath.Join(dir, "wk", "wk-5.tmp"))
}

// block occupies path with a non-empty directory so file operations on it fail.
func block(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0o600))
}

func TestFailedWriteDropsOnlyThatEvent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)
	require.NoError(t, s.Write(ctx, `{"n":0}`))
	require.NoError(t, s.Rollover(ctx))

	blocked := filepath.Join(dir, "wk", "wk-1.tmp")
	block(t, blocked)
	err := s.Write(ctx, `{"n":1}`)
	require.Error(t, err)
	require.Equal(t, errs.CodeStorage, errs.CodeOf(err))
	require.NoError(t, os.RemoveAll(blocked))

	require.NoError(t, s.Write(ctx, `{"n":2}`))
	require.NoError(t, s.Rollover(ctx))

	batches, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, []string{`{"n":0}`}, batchstore.Events(batches[0].Payload))
	require.Equal(t, "wk-1", batches[1].Reference)
	require.Equal(t, []string{`{"n":2}`}, batchstore.Events(batches[1].Payload))
}

func TestFailedRolloverLeavesBatchAppendable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)
	require.NoError(t, s.Write(ctx, `{"a":1}`))

	blocked := filepath.Join(dir, "wk", "wk-0")
	block(t, blocked)
	err := s.Rollover(ctx)
	require.Error(t, err)
	require.Equal(t, errs.CodeStorage, errs.CodeOf(err))

	raw, err := os.ReadFile(filepath.Join(dir, "wk", "wk-0.tmp"))
	require.NoError(t, err)
	require.Equal(t, batchstore.BatchPrefix+`{"a":1}`, string(raw))
	require.NoError(t, os.RemoveAll(blocked))

	require.NoError(t, s.Write(ctx, `{"a":2}`))
	require.NoError(t, s.Rollover(ctx))

	batches, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, `{"batch":[{"a":1},{"a":2}],"sentAt":"2026-05-06T07:08:09.000Z"}`, batches[0].Payload)
}
