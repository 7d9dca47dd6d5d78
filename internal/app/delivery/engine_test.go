package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/infra/persistence/memory"
	"github.com/coachpo/pulse/internal/infra/transport"
	"github.com/coachpo/pulse/internal/observability"
)

type received struct {
	headers http.Header
	body    string
}

type collector struct {
	mu       sync.Mutex
	statuses []int
	requests []received
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if !assert.NoError(t, err) {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			reader = zr
		}
		data, _ := io.ReadAll(reader)

		c.mu.Lock()
		c.requests = append(c.requests, received{headers: r.Header.Clone(), body: string(data)})
		status := http.StatusOK
		if len(c.statuses) > 0 {
			status = c.statuses[0]
			if len(c.statuses) > 1 {
				c.statuses = c.statuses[1:]
			}
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *collector) all() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]received, len(c.requests))
	copy(out, c.requests)
	return out
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(string, ...observability.Field) {}
func (l *recordingLogger) Info(string, ...observability.Field)  {}
func (l *recordingLogger) Warn(string, ...observability.Field)  {}
func (l *recordingLogger) Error(msg string, _ ...observability.Field) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func setup(t *testing.T, cfg Config, statuses ...int) (*Engine, *memory.Store, *collector, *observability.DeadLetterQueue, *recordingLogger) {
	t.Helper()
	c := &collector{statuses: statuses}
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	store, err := memory.New("wk")
	require.NoError(t, err)

	if cfg.WriteKey == "" {
		cfg.WriteKey = "wk"
	}
	cfg.DataPlaneURL = srv.URL
	dlq := observability.NewDeadLetterQueue(0)
	logger := &recordingLogger{}
	engine, err := New(cfg, store, WithDeadLetterQueue(dlq), WithLogger(logger))
	require.NoError(t, err)
	return engine, store, c, dlq, logger
}

func write(t *testing.T, store batchstore.Store, name string) {
	t.Helper()
	raw, err := event.Serialize(event.NewTrack(name, nil, event.WithAnonymousID("anon-1")))
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), raw))
}

func pending(t *testing.T, store batchstore.Store) []batchstore.Batch {
	t.Helper()
	batches, err := store.Read(context.Background())
	require.NoError(t, err)
	return batches
}

func TestNewValidatesConfig(t *testing.T) {
	store, err := memory.New("wk")
	require.NoError(t, err)

	_, err = New(Config{DataPlaneURL: "http://x"}, store)
	require.Error(t, err)
	_, err = New(Config{WriteKey: "wk"}, store)
	require.Error(t, err)
	_, err = New(Config{WriteKey: "wk", DataPlaneURL: "http://x"}, nil)
	require.Error(t, err)
}

func TestCycleDeliversEveryEventAndRemovesBatch(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{Gzip: true})
	write(t, store, "a")
	write(t, store, "b")
	write(t, store, "c")

	_, again := engine.RunCycle(context.Background())
	require.False(t, again)

	reqs := c.all()
	require.Len(t, reqs, 1)
	body := reqs[0].body
	for _, name := range []string{`"event":"a"`, `"event":"b"`, `"event":"c"`} {
		require.Contains(t, body, name)
	}
	require.NotContains(t, body, event.SentAtPlaceholder)
	require.Len(t, batchstore.Events(body), 3)

	h := reqs[0].headers
	require.Equal(t, "gzip", h.Get("Content-Encoding"))
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("wk:")), h.Get("Authorization"))
	require.Equal(t, "anon-1", h.Get("AnonymousId"))
	require.Empty(t, h.Get(HeaderRetryAttempt))
	require.Empty(t, pending(t, store))
}

func TestCycleWithoutGzipSendsPlainBody(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{})
	write(t, store, "plain")

	engine.RunCycle(context.Background())
	reqs := c.all()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].headers.Get("Content-Encoding"))
	require.True(t, strings.HasPrefix(reqs[0].body, batchstore.BatchPrefix))
}

func TestCycleDeliversOldestFirst(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{})
	write(t, store, "first")
	require.NoError(t, store.Rollover(context.Background()))
	write(t, store, "second")
	require.NoError(t, store.Rollover(context.Background()))
	write(t, store, "third")

	engine.RunCycle(context.Background())
	reqs := c.all()
	require.Len(t, reqs, 3)
	require.Contains(t, reqs[0].body, `"event":"first"`)
	require.Contains(t, reqs[1].body, `"event":"second"`)
	require.Contains(t, reqs[2].body, `"event":"third"`)
}

func TestServerErrorRetainsBatchAndSendsRetryHeaders(t *testing.T) {
	engine, store, c, dlq, _ := setup(t, Config{}, http.StatusInternalServerError)
	write(t, store, "retry-me")

	delay, again := engine.RunCycle(context.Background())
	require.True(t, again)
	require.Positive(t, delay)
	require.Len(t, pending(t, store), 1)
	require.Equal(t, 1, engine.Pending())

	engine.RunCycle(context.Background())
	engine.RunCycle(context.Background())

	reqs := c.all()
	require.Len(t, reqs, 3)
	require.Empty(t, reqs[0].headers.Get(HeaderRetryAttempt))
	require.Equal(t, "1", reqs[1].headers.Get(HeaderRetryAttempt))
	require.Equal(t, "server-500", reqs[1].headers.Get(HeaderRetryReason))
	require.NotEmpty(t, reqs[1].headers.Get(HeaderSinceLastAttempt))
	require.Equal(t, "2", reqs[2].headers.Get(HeaderRetryAttempt))
	require.Len(t, pending(t, store), 1)
	require.Zero(t, dlq.Len())
}

func TestRetryableFailureStopsCycle(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{}, http.StatusTooManyRequests)
	write(t, store, "one")
	require.NoError(t, store.Rollover(context.Background()))
	write(t, store, "two")

	_, again := engine.RunCycle(context.Background())
	require.True(t, again)
	require.Len(t, c.all(), 1)
	require.Len(t, pending(t, store), 2)
}

func TestClientErrorRemovesBatchAfterOneAttempt(t *testing.T) {
	engine, store, c, dlq, logger := setup(t, Config{}, http.StatusBadRequest)
	write(t, store, "poison")

	_, again := engine.RunCycle(context.Background())
	require.False(t, again)
	require.Empty(t, pending(t, store))
	require.Len(t, c.all(), 1)
	require.Positive(t, logger.errorCount())

	dropped := dlq.Drain()
	require.Len(t, dropped, 1)
	require.Equal(t, http.StatusBadRequest, dropped[0].HTTP)
	require.False(t, engine.Halted())

	engine.RunCycle(context.Background())
	require.Len(t, c.all(), 1)
}

func TestSuccessAfterRetryClearsLedger(t *testing.T) {
	engine, store, _, _, _ := setup(t, Config{}, http.StatusServiceUnavailable, http.StatusOK)
	write(t, store, "eventually")

	engine.RunCycle(context.Background())
	require.Equal(t, 1, engine.Pending())
	engine.RunCycle(context.Background())
	require.Zero(t, engine.Pending())
	require.Empty(t, pending(t, store))
}

func TestUnauthorizedHaltsUploads(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{}, http.StatusUnauthorized)
	write(t, store, "a")
	require.NoError(t, store.Rollover(context.Background()))
	write(t, store, "b")

	engine.RunCycle(context.Background())
	require.True(t, engine.Halted())
	require.True(t, engine.WriteKeyRejected())
	require.Len(t, c.all(), 1)
	require.Empty(t, pending(t, store))
	require.Zero(t, engine.Pending())

	write(t, store, "c")
	engine.RunCycle(context.Background())
	require.Len(t, c.all(), 1)
}

func TestNotFoundHaltsUploads(t *testing.T) {
	engine, store, _, _, _ := setup(t, Config{}, http.StatusNotFound)
	write(t, store, "a")

	engine.RunCycle(context.Background())
	require.True(t, engine.Halted())
	require.False(t, engine.WriteKeyRejected())
}

func TestHaltedEngineKeepsStorageUnderHighWaterMark(t *testing.T) {
	engine, store, c, dlq, _ := setup(t, Config{MaxPendingBatches: 2}, http.StatusNotFound)
	ctx := context.Background()
	write(t, store, "first")
	engine.RunCycle(ctx)
	require.True(t, engine.Halted())
	dlq.Drain()

	var last []batchstore.Batch
	for i := 0; i < 10; i++ {
		write(t, store, fmt.Sprintf("held-%d", i))
		require.NoError(t, store.Rollover(ctx))
		engine.RunCycle(ctx)
		last = pending(t, store)
		require.LessOrEqual(t, len(last), 2)
	}
	require.Len(t, c.all(), 1)
	require.Contains(t, last[1].Payload, `"event":"held-9"`)

	dropped := dlq.Drain()
	require.Len(t, dropped, 8)
	require.Equal(t, reasonOverflow, dropped[0].Reason)
}

func TestHighWaterMarkDiscardsOldest(t *testing.T) {
	engine, store, c, dlq, _ := setup(t, Config{MaxPendingBatches: 2}, http.StatusInternalServerError)
	for _, name := range []string{"b1", "b2", "b3", "b4"} {
		write(t, store, name)
		require.NoError(t, store.Rollover(context.Background()))
	}
	before := pending(t, store)
	require.Len(t, before, 4)

	engine.RunCycle(context.Background())

	dropped := dlq.Drain()
	require.Len(t, dropped, 2)
	require.Equal(t, before[0].Reference, dropped[0].Reference)
	require.Equal(t, before[1].Reference, dropped[1].Reference)
	require.Equal(t, reasonOverflow, dropped[0].Reason)

	reqs := c.all()
	require.Len(t, reqs, 1)
	require.Contains(t, reqs[0].body, `"event":"b3"`)
	require.Len(t, pending(t, store), 2)
}

func TestEmptyBatchIsDroppedWithoutUpload(t *testing.T) {
	engine, _, c, dlq, _ := setup(t, Config{})
	empty := &stubStore{batches: []batchstore.Batch{{Reference: "wk~x", Payload: `{"batch":[],"sentAt":"t"}`, Closed: true}}}
	engine.store = empty

	engine.RunCycle(context.Background())
	require.Empty(t, c.all())
	require.Equal(t, []string{"wk~x"}, empty.removed)
	require.Equal(t, 1, dlq.Len())
}

func TestLoopFlushAndShutdown(t *testing.T) {
	engine, store, c, _, _ := setup(t, Config{})
	write(t, store, "looped")

	engine.Start(context.Background())
	engine.Flush()
	engine.Flush()
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(pending(t, store)) == 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))

	write(t, store, "after")
	engine.Flush()
	time.Sleep(20 * time.Millisecond)
	require.Len(t, c.all(), 1)
}

// gatedTransport holds every upload until release delivers the outcome.
type gatedTransport struct {
	entered chan struct{}
	release chan int

	mu    sync.Mutex
	calls int
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{entered: make(chan struct{}, 8), release: make(chan int, 8)}
}

func (g *gatedTransport) Send(ctx context.Context, _ transport.Request) (transport.Response, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	g.entered <- struct{}{}
	select {
	case status := <-g.release:
		if status >= 300 {
			return transport.Response{Status: status}, errs.FromStatus("test", status)
		}
		return transport.Response{Status: status}, nil
	case <-ctx.Done():
		return transport.Response{}, errs.New("test", errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
}

func (g *gatedTransport) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestShutdownWaitsForInFlightUploadAndStopsScheduling(t *testing.T) {
	engine, store, _, _, _ := setup(t, Config{})
	gate := newGatedTransport()
	engine.transport = gate
	write(t, store, "in-flight")

	engine.Start(context.Background())
	engine.Flush()
	<-gate.entered

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- engine.Shutdown(ctx)
	}()
	write(t, store, "late")
	engine.Flush()

	select {
	case <-done:
		t.Fatal("shutdown returned before the upload finished")
	case <-time.After(50 * time.Millisecond):
	}
	gate.release <- http.StatusOK
	require.NoError(t, <-done)

	require.Equal(t, 1, gate.count())
	require.NoError(t, store.Rollover(context.Background()))
	left := pending(t, store)
	require.Len(t, left, 1)
	require.Contains(t, left[0].Payload, `"event":"late"`)
}

func TestResetDuringUploadLeavesNoRetryState(t *testing.T) {
	engine, store, _, _, _ := setup(t, Config{})
	gate := newGatedTransport()
	engine.transport = gate
	write(t, store, "doomed")

	cycle := make(chan bool, 1)
	go func() {
		_, again := engine.RunCycle(context.Background())
		cycle <- again
	}()
	<-gate.entered
	require.NoError(t, store.RemoveAll(context.Background()))
	engine.Reset()
	gate.release <- http.StatusServiceUnavailable

	require.False(t, <-cycle)
	require.Empty(t, pending(t, store))
	require.Zero(t, engine.Pending())
}

func TestCycleForgetsRetryStateOfVanishedBatches(t *testing.T) {
	engine, store, _, _, _ := setup(t, Config{}, http.StatusServiceUnavailable)
	write(t, store, "gone")
	_, again := engine.RunCycle(context.Background())
	require.True(t, again)
	require.Equal(t, 1, engine.Pending())

	require.NoError(t, store.RemoveAll(context.Background()))
	engine.RunCycle(context.Background())
	require.Zero(t, engine.Pending())
}

func intAttr(attrs []attribute.KeyValue, key string) int64 {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.AsInt64()
		}
	}
	return -1
}

func TestUploadAttemptsAreTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	engine, store, _, _, _ := setup(t, Config{}, http.StatusServiceUnavailable, http.StatusOK)
	engine.tracer = provider.Tracer("delivery-test")
	write(t, store, "traced")

	ctx := context.Background()
	_, again := engine.RunCycle(ctx)
	require.True(t, again)
	engine.RunCycle(ctx)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "pulse.batch.upload", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.EqualValues(t, http.StatusServiceUnavailable, intAttr(spans[0].Attributes(), "http.response.status_code"))
	require.EqualValues(t, 1, intAttr(spans[0].Attributes(), "pulse.batch.attempt"))

	require.Equal(t, codes.Unset, spans[1].Status().Code)
	require.EqualValues(t, http.StatusOK, intAttr(spans[1].Attributes(), "http.response.status_code"))
	require.EqualValues(t, 2, intAttr(spans[1].Attributes(), "pulse.batch.attempt"))
}

func TestShutdownWithoutStart(t *testing.T) {
	engine, _, _, _, _ := setup(t, Config{})
	require.NoError(t, engine.Shutdown(context.Background()))
	require.NoError(t, engine.Shutdown(context.Background()))
}

func TestAnonymousIDExtraction(t *testing.T) {
	require.Equal(t, "abc", anonymousID(`{"batch":[{"anonymousId":"abc","type":"track"}`))
	require.Equal(t, `a\"b`, anonymousID(`{"batch":[{"anonymousId":"a\"b"}`))
	require.Empty(t, anonymousID(`{"batch":[{"type":"track"}`))
}

type stubStore struct {
	batches []batchstore.Batch
	removed []string
}

func (s *stubStore) Write(context.Context, string) error { return nil }
func (s *stubStore) Rollover(context.Context) error      { return nil }
func (s *stubStore) Read(context.Context) ([]batchstore.Batch, error) {
	return s.batches, nil
}
func (s *stubStore) Remove(_ context.Context, ref string) (bool, error) {
	s.removed = append(s.removed, ref)
	return true, nil
}
func (s *stubStore) RemoveAll(context.Context) error { return nil }
