// Package destination connects device-mode destinations to the terminal stage of the plugin
// chain. Each destination gets its own mini-chain gating the events it sees.
package destination

import (
	"context"
	"strings"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/app/plugin"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

// Destination receives the events that survive its adapter's mini-chain.
type Destination interface {
	Key() string
	Send(ctx context.Context, e event.Event) error
}

// Closer is implemented by destinations holding connections.
type Closer interface {
	Close(ctx context.Context) error
}

// Adapter is the terminal plugin wrapping one destination.
type Adapter struct {
	plugin.Base

	dest    Destination
	filter  *plugin.EventFilter
	extra   []plugin.Plugin
	chain   *plugin.Chain
	flusher plugin.Flusher
	reset   plugin.Resetter
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithFilter installs a track event allowlist or denylist.
func WithFilter(mode plugin.FilterMode, names []string) AdapterOption {
	return func(a *Adapter) {
		a.filter.Update(mode, names)
	}
}

// WithPlugin adds a pre-process or on-process plugin that only this destination sees.
func WithPlugin(p plugin.Plugin) AdapterOption {
	return func(a *Adapter) {
		if p != nil {
			a.extra = append(a.extra, p)
		}
	}
}

// NewAdapter wraps dest.
func NewAdapter(dest Destination, opts ...AdapterOption) (*Adapter, error) {
	if dest == nil || strings.TrimSpace(dest.Key()) == "" {
		return nil, errs.New("destination", errs.CodeInvalid, errs.WithMessage("destination key required"))
	}
	a := &Adapter{
		dest:   dest,
		filter: plugin.NewEventFilter(dest.Key(), plugin.FilterNone, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	for _, p := range a.extra {
		if p.Stage() != plugin.StagePreProcess && p.Stage() != plugin.StageOnProcess {
			return nil, errs.New("destination", errs.CodeInvalid,
				errs.WithMessage("destination plugins must be pre-process or on-process"),
				errs.WithField("stage", p.Stage().String()))
		}
	}
	if f, ok := dest.(plugin.Flusher); ok {
		a.flusher = f
	}
	if r, ok := dest.(plugin.Resetter); ok {
		a.reset = r
	}
	return a, nil
}

// Key returns the destination key.
func (a *Adapter) Key() string { return a.dest.Key() }

// Filter exposes the event filter so settings can be refreshed at runtime.
func (a *Adapter) Filter() *plugin.EventFilter { return a.filter }

// Stage returns StageTerminal.
func (a *Adapter) Stage() plugin.Stage { return plugin.StageTerminal }

// Setup builds the mini-chain: integrations gate, event filter, then destination plugins.
func (a *Adapter) Setup(host *plugin.Host) {
	a.Base.Setup(host)
	h := &plugin.Host{}
	if host != nil {
		*h = *host
	}
	a.chain = plugin.NewChain(h)
	_ = a.chain.Add(plugin.NewIntegrationOptions(a.dest.Key()))
	_ = a.chain.Add(a.filter)
	for _, p := range a.extra {
		_ = a.chain.Add(p)
	}
}

// Intercept runs the mini-chain and hands the surviving event to the destination. The
// returned event is the input, since terminal siblings never observe each other.
func (a *Adapter) Intercept(ctx context.Context, e event.Event) (event.Event, bool) {
	if a.chain == nil {
		a.Setup(a.Host)
	}
	out, ok := a.chain.Process(ctx, e)
	if !ok {
		return e, true
	}
	if err := a.dest.Send(ctx, out); err != nil {
		a.Logger().Warn("destination send failed",
			observability.F("destination", a.dest.Key()),
			observability.F("event", out.Name()),
			observability.Err(err))
	}
	return e, true
}

// Flush forwards to the destination when it buffers.
func (a *Adapter) Flush(ctx context.Context) {
	if a.flusher != nil {
		a.flusher.Flush(ctx)
	}
}

// Reset forwards to the destination when it keeps user state.
func (a *Adapter) Reset(ctx context.Context) {
	if a.reset != nil {
		a.reset.Reset(ctx)
	}
}

// Teardown dismantles the mini-chain and closes the destination.
func (a *Adapter) Teardown() {
	if a.chain != nil {
		a.chain.RemoveAll()
	}
	if c, ok := a.dest.(Closer); ok {
		if err := c.Close(context.Background()); err != nil {
			a.Logger().Warn("destination close failed",
				observability.F("destination", a.dest.Key()), observability.Err(err))
		}
	}
}
