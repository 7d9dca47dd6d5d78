// Package analytics is the host-facing surface of pulse: build events, run them through the
// plugin chain, persist them and deliver them in the background.
package analytics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/app/delivery"
	"github.com/coachpo/pulse/internal/app/destination"
	"github.com/coachpo/pulse/internal/app/flush"
	"github.com/coachpo/pulse/internal/app/plugin"
	"github.com/coachpo/pulse/internal/app/plugin/revenue"
	"github.com/coachpo/pulse/internal/app/plugin/script"
	"github.com/coachpo/pulse/internal/domain/batchstore"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/infra/config"
	"github.com/coachpo/pulse/internal/infra/telemetry"
	"github.com/coachpo/pulse/internal/infra/transport"
	"github.com/coachpo/pulse/internal/observability"
	"github.com/coachpo/pulse/lib/async"
	libtelemetry "github.com/coachpo/pulse/lib/telemetry"
)

const component = "analytics"

// Option customises a Client.
type Option func(*options)

type options struct {
	logger      observability.Logger
	transport   transport.Transport
	provider    metric.MeterProvider
	tracers     trace.TracerProvider
	store       batchstore.Store
	dlq         *observability.DeadLetterQueue
	anonymousID string
	plugins     []plugin.Plugin
}

// WithLogger overrides the logger built from the logging configuration.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport replaces the HTTP transport used for uploads.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithMeterProvider records metrics on provider instead of initialising the OTLP exporter.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.provider = provider }
}

// WithTracerProvider records upload spans on provider. Without it the client uses the
// provider from the OTLP exporter, or the global one when WithMeterProvider is set.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) { o.tracers = provider }
}

// WithStore replaces the configured storage backend.
func WithStore(store batchstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithDeadLetterQueue collects reports of batches discarded without delivery.
func WithDeadLetterQueue(q *observability.DeadLetterQueue) Option {
	return func(o *options) { o.dlq = q }
}

// WithAnonymousID fixes the anonymous identifier instead of generating one.
func WithAnonymousID(id string) Option {
	return func(o *options) { o.anonymousID = strings.TrimSpace(id) }
}

// WithPlugin registers an extra plugin at construction.
func WithPlugin(p plugin.Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// Client owns one write key's pipeline, store and delivery engine.
type Client struct {
	cfg      config.Config
	logger   observability.Logger
	store    batchstore.Store
	writer   *async.Pool
	chain    *plugin.Chain
	engine   *delivery.Engine
	policies *flush.Set
	dlq      *observability.DeadLetterQueue
	closers  []closer

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error

	idMu        sync.RWMutex
	anonymousID string
	userID      string
}

// New validates cfg and starts a client. The context bounds backend setup only.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid config"), errs.WithCause(err))
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.Logging)
	}
	if o.dlq == nil {
		o.dlq = observability.NewDeadLetterQueue(64)
	}
	if o.anonymousID == "" {
		o.anonymousID = uuid.NewString()
	}
	telemetry.SetEnvironment(string(cfg.Environment))

	c := &Client{
		cfg:         cfg,
		logger:      o.logger,
		dlq:         o.dlq,
		anonymousID: o.anonymousID,
	}
	fail := func(err error) (*Client, error) {
		if c.chain != nil {
			c.chain.RemoveAll()
		}
		if c.writer != nil {
			c.writer.Close()
		}
		c.release(context.Background())
		return nil, err
	}

	provider, tracers := o.provider, o.tracers
	if provider == nil {
		providers, shutdown, err := libtelemetry.Init(ctx, libtelemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ExportInterval: cfg.Telemetry.ExportInterval,
		})
		if err != nil {
			return nil, err
		}
		provider = providers.MeterProvider
		if tracers == nil {
			tracers = providers.TracerProvider
		}
		c.closers = append(c.closers, shutdown)
	}
	if tracers == nil {
		tracers = otel.GetTracerProvider()
	}
	metrics, err := telemetry.NewInstruments(provider, string(cfg.Storage.Mode))
	if err != nil {
		return fail(err)
	}

	c.store = o.store
	if c.store == nil {
		store, release, err := openStore(ctx, cfg, provider)
		if err != nil {
			return fail(err)
		}
		c.store = store
		if release != nil {
			c.closers = append(c.closers, release)
		}
	}

	writer, err := async.NewSerial(cfg.Storage.WriterQueue, async.WithErrorHandler(func(err error) {
		c.logger.Error("store writer task failed", observability.Err(err))
	}))
	if err != nil {
		return fail(err)
	}
	c.writer = writer

	tr := o.transport
	if tr == nil {
		tr = transport.NewHTTP(transport.WithTimeout(cfg.Upload.Timeout))
	}
	c.engine, err = delivery.New(delivery.Config{
		WriteKey:          cfg.WriteKey,
		DataPlaneURL:      cfg.DataPlaneURL,
		Gzip:              cfg.Upload.GzipEnabled(),
		MaxPendingBatches: cfg.Storage.MaxPendingBatches,
		Backoff: delivery.BackoffConfig{
			Initial:    cfg.Upload.Backoff.Initial,
			Max:        cfg.Upload.Backoff.Max,
			Multiplier: cfg.Upload.Backoff.Multiplier,
			Jitter:     cfg.Upload.Backoff.Jitter,
		},
		UploadRate:  cfg.Upload.Rate,
		UploadBurst: cfg.Upload.Burst,
	}, c.store,
		delivery.WithTransport(tr),
		delivery.WithLogger(c.logger),
		delivery.WithInstruments(metrics),
		delivery.WithTracer(tracers.Tracer("github.com/coachpo/pulse/delivery")),
		delivery.WithDeadLetterQueue(c.dlq))
	if err != nil {
		return fail(err)
	}

	policies := []flush.Policy{flush.NewCount(cfg.Flush.Count), flush.NewInterval(cfg.Flush.Interval)}
	if cfg.Flush.StartupEnabled() {
		policies = append(policies, flush.NewStartup())
	}
	c.policies = flush.NewSet(policies...)

	c.chain = plugin.NewChain(&plugin.Host{WriteKey: cfg.WriteKey, Logger: c.logger, Flush: c.engine.Flush})
	storage := plugin.NewStorage(c.store, c.writer,
		plugin.WithInstruments(metrics),
		plugin.OnStored(func(event.Event) { c.observeStored() }))
	if err := c.chain.Add(storage); err != nil {
		return fail(err)
	}
	configured, err := configuredPlugins(cfg, c.logger)
	if err != nil {
		return fail(err)
	}
	for _, p := range append(configured, o.plugins...) {
		if err := c.chain.Add(p); err != nil {
			return fail(err)
		}
	}

	c.engine.Start(context.Background())
	c.policies.Start(context.Background(), c.scheduledFlush)
	if c.policies.ShouldFlush() {
		c.engine.Flush()
	}
	return c, nil
}

func configuredPlugins(cfg config.Config, logger observability.Logger) ([]plugin.Plugin, error) {
	var out []plugin.Plugin
	if cfg.Revenue.Enabled {
		out = append(out, revenue.New(revenue.WithScale(cfg.Revenue.Scale), revenue.WithFields(cfg.Revenue.Fields)))
	}
	for _, sc := range cfg.Scripts {
		var (
			p   *script.Plugin
			err error
		)
		if sc.Path != "" {
			p, err = script.Load(sc.Path, script.WithTimeout(sc.Timeout))
		} else {
			p, err = script.New(sc.Name, sc.Source, script.WithTimeout(sc.Timeout))
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	for _, d := range cfg.Destinations {
		ws, err := destination.NewWebsocket(d.Key, d.URL, destination.WithWebsocketLogger(logger))
		if err != nil {
			return nil, err
		}
		adapter, err := destination.NewAdapter(ws,
			destination.WithFilter(plugin.FilterMode(d.Filter.Mode), d.Filter.Events))
		if err != nil {
			return nil, err
		}
		out = append(out, adapter)
	}
	return out, nil
}

func (c *Client) observeStored() {
	c.policies.Observe()
	if c.policies.ShouldFlush() {
		c.policies.Reset()
		c.engine.Flush()
	}
}

func (c *Client) scheduledFlush() {
	c.policies.Reset()
	c.engine.Flush()
}

// AnonymousID returns the current anonymous identifier.
func (c *Client) AnonymousID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.anonymousID
}

// UserID returns the identified user, if any.
func (c *Client) UserID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.userID
}

// Track records a named action.
func (c *Client) Track(ctx context.Context, name string, props event.Properties, opts ...event.Option) error {
	return c.submit(ctx, func(base []event.Option) event.Event {
		return event.NewTrack(name, props, append(base, opts...)...)
	})
}

// Screen records a screen view.
func (c *Client) Screen(ctx context.Context, name, category string, props event.Properties, opts ...event.Option) error {
	return c.submit(ctx, func(base []event.Option) event.Event {
		return event.NewScreen(name, category, props, append(base, opts...)...)
	})
}

// Identify ties the device to userID and records the traits. Later events carry userID.
func (c *Client) Identify(ctx context.Context, userID string, traits event.Properties, opts ...event.Option) error {
	userID = strings.TrimSpace(userID)
	if userID != "" {
		c.idMu.Lock()
		c.userID = userID
		c.idMu.Unlock()
	}
	return c.submit(ctx, func(base []event.Option) event.Event {
		return event.NewIdentify(traits, append(base, opts...)...)
	})
}

// Group associates the user with a group.
func (c *Client) Group(ctx context.Context, groupID string, traits event.Properties, opts ...event.Option) error {
	return c.submit(ctx, func(base []event.Option) event.Event {
		return event.NewGroup(groupID, traits, append(base, opts...)...)
	})
}

// Alias renames the current identity to newID. The previous identity is the identified user
// or, before any identify, the anonymous identifier.
func (c *Client) Alias(ctx context.Context, newID string, opts ...event.Option) error {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("alias id required"))
	}
	c.idMu.Lock()
	previous := c.userID
	if previous == "" {
		previous = c.anonymousID
	}
	c.userID = newID
	c.idMu.Unlock()
	return c.submit(ctx, func(base []event.Option) event.Event {
		return event.NewAlias(previous, append(base, opts...)...)
	})
}

func (c *Client) submit(ctx context.Context, build func([]event.Option) event.Event) error {
	if c.closed.Load() {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("client shut down"))
	}
	if c.engine.WriteKeyRejected() {
		return errs.New(component, errs.CodeAuth, errs.WithMessage("write key rejected by collector"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.idMu.RLock()
	base := []event.Option{event.WithAnonymousID(c.anonymousID)}
	if c.userID != "" {
		base = append(base, event.WithUserID(c.userID))
	}
	c.idMu.RUnlock()

	e := build(base)
	if err := e.Validate(); err != nil {
		return err
	}
	c.chain.Process(ctx, e)
	return nil
}

// Flush asks plugins to flush and schedules a delivery cycle after every event accepted so
// far has reached the store. It never blocks on the network.
func (c *Client) Flush(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.chain.Apply(func(p plugin.Plugin) {
		if f, ok := p.(plugin.Flusher); ok {
			f.Flush(ctx)
		}
	})
	c.policies.Reset()
	err := c.writer.Submit(context.WithoutCancel(ctx), func(context.Context) error {
		c.engine.Flush()
		return nil
	})
	if err != nil {
		c.engine.Flush()
	}
}

// Drain waits for pending writes and runs one delivery cycle on the caller.
func (c *Client) Drain(ctx context.Context) error {
	if err := c.writer.Sync(ctx); err != nil {
		return err
	}
	c.engine.RunCycle(ctx)
	return nil
}

// Reset forgets the identified user, rotates the anonymous identifier, resets plugins and
// clears stored events and retry state.
func (c *Client) Reset(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.chain.Apply(func(p plugin.Plugin) {
		if r, ok := p.(plugin.Resetter); ok {
			r.Reset(ctx)
		}
	})
	c.idMu.Lock()
	c.userID = ""
	c.anonymousID = uuid.NewString()
	c.idMu.Unlock()

	done := make(chan error, 1)
	err := c.writer.Submit(context.WithoutCancel(ctx), func(taskCtx context.Context) error {
		err := c.store.RemoveAll(taskCtx)
		c.engine.Reset()
		done <- err
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddPlugin registers a plugin.
func (c *Client) AddPlugin(p plugin.Plugin) error {
	return c.chain.Add(p)
}

// RemovePlugin unregisters a plugin and reports whether it was registered.
func (c *Client) RemovePlugin(p plugin.Plugin) bool {
	return c.chain.Remove(p)
}

// DeadLetters drains the reports of batches discarded without delivery.
func (c *Client) DeadLetters() []observability.DroppedBatch {
	return c.dlq.Drain()
}

// Retrying returns the number of batches waiting on a retry backoff.
func (c *Client) Retrying() int {
	return c.engine.Pending()
}

// UploadsHalted reports whether the collector rejected the write key or disabled the source.
func (c *Client) UploadsHalted() bool {
	return c.engine.Halted()
}

// Shutdown rejects new events, drains the writer queue, lets an in-flight upload finish and
// releases resources. Later calls return the first result.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.closed.Store(true)
		c.policies.Stop()
		var failures []error
		if err := c.writer.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
		if err := c.engine.Shutdown(ctx); err != nil {
			failures = append(failures, err)
		}
		c.chain.RemoveAll()
		failures = append(failures, c.release(ctx)...)
		c.shutdownErr = observability.AggregateErrors(c.logger, "analytics shutdown", failures,
			observability.F("writeKey", c.cfg.WriteKey))
	})
	return c.shutdownErr
}

func (c *Client) release(ctx context.Context) []error {
	var failures []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			failures = append(failures, err)
		}
	}
	c.closers = nil
	return failures
}
