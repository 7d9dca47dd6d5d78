package observability

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStdLoggerRendersFieldsAndHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(log.New(&buf, "", 0), LevelInfo)

	logger.Debug("hidden", F("k", 1))
	logger.Info("upload completed", F("reference", "key-1"), F("bytes", 42))

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "INFO upload completed reference=key-1 bytes=42")
}

func TestSlogLoggerRendersErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Error("write failed", Err(errors.New("disk full")))

	require.Contains(t, buf.String(), "disk full")
	require.Contains(t, buf.String(), "level=ERROR")
}

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Log())
	Log().Error("ignored")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("verbose"))
	require.Equal(t, LevelWarn, ParseLevel(" WARN "))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel(""))
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	require.NoError(t, AggregateErrors(Nop(), "shutdown", []error{nil, nil}))

	err := AggregateErrors(Nop(), "shutdown", []error{nil, errors.New("a"), errors.New("b")})
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "shutdown failed"))
}

func TestDeadLetterQueueEvictsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	now := time.Now()
	q.Offer(DroppedBatch{Reference: "a", At: now})
	q.Offer(DroppedBatch{Reference: "b", At: now})
	q.Offer(DroppedBatch{Reference: "c", At: now})

	require.Equal(t, 2, q.Len())
	drained := q.Drain()
	require.Equal(t, "b", drained[0].Reference)
	require.Equal(t, "c", drained[1].Reference)
	require.Zero(t, q.Len())
}
