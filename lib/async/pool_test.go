package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	_, err := NewPool(0, 1)
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSerialPoolPreservesOrder(t *testing.T) {
	p, err := NewSerial(64)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, p.Sync(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 50)
	for i, v := range seen {
		require.Equal(t, i, v)
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitAfterCloseIsRejected(t *testing.T) {
	p, err := NewSerial(4)
	require.NoError(t, err)
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestSubmitAtCapacityIsRejected(t *testing.T) {
	p, err := NewSerial(1)
	require.NoError(t, err)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p, err := NewSerial(16)
	require.NoError(t, err)
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, count)
}

func TestErrorHandlerReceivesErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	p, err := NewSerial(4, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("bad plugin") }))
	require.NoError(t, p.Sync(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	require.ErrorIs(t, reported[0], boom)
	require.Contains(t, reported[1].Error(), "bad plugin")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestIsClosed(t *testing.T) {
	p, err := NewSerial(1)
	require.NoError(t, err)
	p.Close()
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, IsClosed(err))
	require.False(t, IsClosed(errors.New("pool closed")))
	require.False(t, IsClosed(nil))
}
