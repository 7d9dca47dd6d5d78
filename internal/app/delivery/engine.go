// Package delivery uploads closed batches to the collector, classifies failures and decides
// what to retry, discard or hold.
package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/infra/telemetry"
	"github.com/coachpo/pulse/internal/infra/transport"
	"github.com/coachpo/pulse/internal/observability"
)

const (
	component = "delivery"

	// BatchPath is appended to the data-plane URL.
	BatchPath = "/v1/batch"

	// DefaultMaxPendingBatches is the closed-batch high-water mark.
	DefaultMaxPendingBatches = 100

	reasonOverflow = "overflow"
	reasonEmpty    = "empty"
)

var anonymousIDPattern = regexp.MustCompile(`"anonymousId"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Config tunes an Engine.
type Config struct {
	WriteKey          string
	DataPlaneURL      string
	Gzip              bool
	MaxPendingBatches int
	Backoff           BackoffConfig
	// UploadRate caps uploads per second. Zero disables the limiter.
	UploadRate  float64
	UploadBurst int
}

// Option configures an Engine.
type Option func(*Engine)

// WithTransport replaces the HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(e *Engine) {
		if t != nil {
			e.transport = t
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithInstruments records upload metrics.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(e *Engine) {
		e.metrics = inst
	}
}

// WithTracer records one span per upload attempt.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithDeadLetterQueue receives a report for every batch discarded without delivery.
func WithDeadLetterQueue(q *observability.DeadLetterQueue) Option {
	return func(e *Engine) {
		e.dlq = q
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine owns the upload loop for one store.
type Engine struct {
	cfg       Config
	url       string
	auth      string
	store     batchstore.Store
	transport transport.Transport
	logger    observability.Logger
	metrics   *telemetry.Instruments
	tracer    trace.Tracer
	dlq       *observability.DeadLetterQueue
	limiter   *rate.Limiter
	now       func() time.Time
	ledger    *ledger

	signals    chan struct{}
	stop       chan struct{}
	haltStatus atomic.Int32
	started    atomic.Bool

	cycleMu  sync.Mutex
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	stopOnce sync.Once
	wg       conc.WaitGroup
}

// New validates the configuration and creates an idle engine.
func New(cfg Config, store batchstore.Store, opts ...Option) (*Engine, error) {
	if strings.TrimSpace(cfg.WriteKey) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("write key required"))
	}
	if strings.TrimSpace(cfg.DataPlaneURL) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("data plane url required"))
	}
	if store == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = DefaultMaxPendingBatches
	}
	e := &Engine{
		cfg:       cfg,
		url:       strings.TrimRight(cfg.DataPlaneURL, "/") + BatchPath,
		auth:      "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.WriteKey+":")),
		store:     store,
		transport: transport.NewHTTP(),
		logger:    observability.Log(),
		tracer:    nooptrace.NewTracerProvider().Tracer(component),
		now:       time.Now,
		signals:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	if cfg.UploadRate > 0 {
		burst := cfg.UploadBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.UploadRate), burst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.ledger = newLedger(cfg.Backoff, e.now)
	return e, nil
}

// Flush requests a cycle. Requests made while a cycle runs coalesce into one more cycle.
func (e *Engine) Flush() {
	select {
	case e.signals <- struct{}{}:
	default:
	}
}

// Halted reports whether uploads stopped after the collector rejected the write key or source.
func (e *Engine) Halted() bool {
	return e.haltStatus.Load() != 0
}

// WriteKeyRejected reports whether uploads halted because the collector answered 401.
func (e *Engine) WriteKeyRejected() bool {
	return e.haltStatus.Load() == http.StatusUnauthorized
}

// Pending reports how many batches carry retry state.
func (e *Engine) Pending() int {
	return e.ledger.size()
}

// Start launches the upload loop. Later calls are ignored.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Go(func() { e.loop(ctx) })
}

// Shutdown stops scheduling cycles and waits for the in-flight upload. When ctx expires
// first the upload is cancelled and its batch retained.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancelMu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.cancelMu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Reset forgets retry state. Stored batches are left to the caller.
func (e *Engine) Reset() {
	e.ledger.reset()
}

func (e *Engine) loop(ctx context.Context) {
	var retry <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if retry != nil {
			// a batch is backing off; explicit flushes stay queued until the delay elapses
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-retry:
				retry = nil
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-e.signals:
			}
		}
		if e.stopping() {
			return
		}

		delay, again := e.RunCycle(ctx)
		if again {
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			retry = timer.C
		}
	}
}

// RunCycle performs one delivery pass. It reports the backoff delay when the cycle ended on a
// retryable failure.
func (e *Engine) RunCycle(ctx context.Context) (time.Duration, bool) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.Halted() {
		e.trimHalted(ctx)
		return 0, false
	}
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		e.cancel = nil
		e.cancelMu.Unlock()
		cancel()
	}()

	if err := e.store.Rollover(cycleCtx); err != nil {
		e.logger.Warn("rollover failed", observability.Err(err))
	}
	batches, err := e.store.Read(cycleCtx)
	if err != nil {
		e.logger.Error("read batches failed", observability.Err(err))
		return 0, false
	}
	batches = e.trimOverflow(cycleCtx, batches)
	e.ledger.retain(batches)

	for _, b := range batches {
		if e.stopping() {
			return 0, false
		}
		switch res := e.deliver(cycleCtx, b); res.outcome {
		case outcomeRetry:
			return res.delay, true
		case outcomeHold, outcomeHalt:
			return 0, false
		}
	}
	return 0, false
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeHold
	outcomeHalt
)

type result struct {
	outcome outcome
	delay   time.Duration
}

// trimHalted keeps storage under the high-water mark while nothing is uploaded.
func (e *Engine) trimHalted(ctx context.Context) {
	batches, err := e.store.Read(ctx)
	if err != nil {
		e.logger.Error("read batches failed", observability.Err(err))
		return
	}
	e.trimOverflow(ctx, batches)
}

func (e *Engine) trimOverflow(ctx context.Context, batches []batchstore.Batch) []batchstore.Batch {
	excess := len(batches) - e.cfg.MaxPendingBatches
	if excess <= 0 {
		return batches
	}
	for _, b := range batches[:excess] {
		if _, err := e.store.Remove(ctx, b.Reference); err != nil {
			e.logger.Error("discard overflow batch failed", observability.Err(err),
				observability.F("reference", b.Reference))
			continue
		}
		e.ledger.clear(b.Reference)
		e.report(ctx, b, reasonOverflow, 0)
		e.logger.Warn("discarded batch over high-water mark",
			observability.F("reference", b.Reference),
			observability.F("limit", e.cfg.MaxPendingBatches))
	}
	return batches[excess:]
}

func (e *Engine) deliver(ctx context.Context, b batchstore.Batch) result {
	if len(batchstore.Events(b.Payload)) == 0 {
		e.discard(ctx, b.Reference)
		e.report(ctx, b, reasonEmpty, 0)
		return result{outcome: outcomeDone}
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return result{outcome: outcomeHold}
		}
	}

	body := []byte(strings.ReplaceAll(b.Payload, event.SentAtPlaceholder, event.FormatTimestamp(e.now())))
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": e.auth,
	}
	if id := anonymousID(b.Payload); id != "" {
		headers["AnonymousId"] = id
	}
	if e.cfg.Gzip {
		if zipped, err := compress(body); err == nil {
			body = zipped
			headers["Content-Encoding"] = "gzip"
		} else {
			e.logger.Warn("gzip failed, sending uncompressed", observability.Err(err))
		}
	}
	for k, v := range e.ledger.headers(b.Reference) {
		headers[k] = v
	}

	gen := e.ledger.generation()
	start := e.now()
	resp, err := e.send(ctx, b, transport.Request{URL: e.url, Headers: headers, Body: body})
	took := e.now().Sub(start)

	if err == nil {
		e.discard(ctx, b.Reference)
		e.metrics.BatchUploaded(ctx, telemetry.ResultSuccess, resp.Status, b.Size(), took)
		e.logger.Debug("batch delivered",
			observability.F("reference", b.Reference),
			observability.F("status", resp.Status))
		return result{outcome: outcomeDone}
	}

	status := resp.Status
	code := errs.CodeOf(err)
	switch {
	case code == errs.CodeUnavailable:
		e.logger.Info("upload cancelled, batch retained", observability.F("reference", b.Reference))
		return result{outcome: outcomeHold}
	case errs.IsRetryable(err):
		delay, tracked := e.ledger.fail(b.Reference, retryReason(err), gen)
		if !tracked {
			e.logger.Info("store reset during upload, retry dropped", observability.F("reference", b.Reference))
			return result{outcome: outcomeHold}
		}
		e.metrics.BatchUploaded(ctx, telemetry.ResultRetry, status, b.Size(), took)
		e.logger.Warn("upload failed, will retry",
			observability.F("reference", b.Reference),
			observability.F("attempt", e.ledger.attempts(b.Reference)),
			observability.F("delay", delay.String()),
			observability.Err(err))
		return result{outcome: outcomeRetry, delay: delay}
	}

	e.discard(ctx, b.Reference)
	e.metrics.BatchUploaded(ctx, telemetry.ResultRejected, status, b.Size(), took)
	e.report(ctx, b, string(code), status)
	e.logger.Error("collector rejected batch, discarded",
		observability.F("reference", b.Reference),
		observability.F("status", status),
		observability.Err(err))

	switch code {
	case errs.CodeAuth:
		if status == http.StatusUnauthorized {
			e.halt("invalid write key", status, err)
			e.clearStore(ctx)
			return result{outcome: outcomeHalt}
		}
	case errs.CodeNotFound:
		e.halt("source disabled", status, err)
		return result{outcome: outcomeHalt}
	}
	return result{outcome: outcomeDone}
}

func (e *Engine) send(ctx context.Context, b batchstore.Batch, req transport.Request) (transport.Response, error) {
	ctx, span := e.tracer.Start(ctx, "pulse.batch.upload",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pulse.batch.reference", b.Reference),
			attribute.Int("pulse.batch.bytes", b.Size()),
			attribute.Int("pulse.batch.attempt", e.ledger.attempts(b.Reference)+1),
		))
	defer span.End()

	resp, err := e.transport.Send(ctx, req)
	if resp.Status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeOf(err)))
	}
	return resp, err
}

func (e *Engine) halt(reason string, status int, err error) {
	if e.haltStatus.CompareAndSwap(0, int32(status)) {
		e.logger.Error("uploads halted: "+reason, observability.Err(err))
	}
}

// clearStore drops every stored event and all retry state.
func (e *Engine) clearStore(ctx context.Context) {
	e.ledger.reset()
	if err := e.store.RemoveAll(ctx); err != nil {
		e.logger.Error("clear store failed", observability.Err(err))
		return
	}
	e.logger.Warn("stored events cleared after write key rejection")
}

func (e *Engine) discard(ctx context.Context, ref string) {
	e.ledger.clear(ref)
	if _, err := e.store.Remove(ctx, ref); err != nil {
		e.logger.Error("remove batch failed", observability.F("reference", ref), observability.Err(err))
	}
}

func (e *Engine) report(ctx context.Context, b batchstore.Batch, reason string, status int) {
	e.metrics.BatchDiscarded(ctx, reason)
	e.dlq.Offer(observability.DroppedBatch{
		Reference: b.Reference,
		Reason:    reason,
		Bytes:     b.Size(),
		HTTP:      status,
		At:        e.now(),
	})
}

func retryReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		return e.RetryReason()
	}
	return "client-unknown"
}

func anonymousID(payload string) string {
	m := anonymousIDPattern.FindStringSubmatch(payload)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
