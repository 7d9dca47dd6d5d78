package plugin

import (
	"context"

	"github.com/coachpo/pulse/internal/domain/event"
)

// EventHandler has one method per event variant. Embed BaseHandler and override only the
// variants of interest.
type EventHandler interface {
	Track(ctx context.Context, e event.Event) (event.Event, bool)
	Screen(ctx context.Context, e event.Event) (event.Event, bool)
	Identify(ctx context.Context, e event.Event) (event.Event, bool)
	Group(ctx context.Context, e event.Event) (event.Event, bool)
	Alias(ctx context.Context, e event.Event) (event.Event, bool)
}

// BaseHandler passes every variant through unchanged.
type BaseHandler struct{}

// Track passes the event through.
func (BaseHandler) Track(_ context.Context, e event.Event) (event.Event, bool) { return e, true }

// Screen passes the event through.
func (BaseHandler) Screen(_ context.Context, e event.Event) (event.Event, bool) { return e, true }

// Identify passes the event through.
func (BaseHandler) Identify(_ context.Context, e event.Event) (event.Event, bool) { return e, true }

// Group passes the event through.
func (BaseHandler) Group(_ context.Context, e event.Event) (event.Event, bool) { return e, true }

// Alias passes the event through.
func (BaseHandler) Alias(_ context.Context, e event.Event) (event.Event, bool) { return e, true }

// Dispatch routes the event to the handler method matching its type. Unknown types pass
// through.
func Dispatch(ctx context.Context, h EventHandler, e event.Event) (event.Event, bool) {
	switch e.Type {
	case event.TypeTrack:
		return h.Track(ctx, e)
	case event.TypeScreen:
		return h.Screen(ctx, e)
	case event.TypeIdentify:
		return h.Identify(ctx, e)
	case event.TypeGroup:
		return h.Group(ctx, e)
	case event.TypeAlias:
		return h.Alias(ctx, e)
	default:
		return e, true
	}
}

// HandlerPlugin adapts an EventHandler to a Plugin at a fixed stage.
type HandlerPlugin struct {
	Base
	stage   Stage
	handler EventHandler
}

// FromHandler wraps h as a plugin running at stage.
func FromHandler(stage Stage, h EventHandler) *HandlerPlugin {
	return &HandlerPlugin{stage: stage, handler: h}
}

// Stage returns the configured stage.
func (p *HandlerPlugin) Stage() Stage { return p.stage }

// Intercept dispatches by variant.
func (p *HandlerPlugin) Intercept(ctx context.Context, e event.Event) (event.Event, bool) {
	return Dispatch(ctx, p.handler, e)
}
