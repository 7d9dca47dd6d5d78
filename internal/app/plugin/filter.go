package plugin

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

// FilterMode selects how EventFilter treats its list of track event names.
type FilterMode string

const (
	// FilterNone disables filtering.
	FilterNone FilterMode = ""
	// FilterAllow keeps only the listed track events.
	FilterAllow FilterMode = "allow"
	// FilterDeny drops the listed track events.
	FilterDeny FilterMode = "deny"
)

// IntegrationOptions drops events whose integrations map disables the destination key.
type IntegrationOptions struct {
	Base
	key string
}

// NewIntegrationOptions creates the integrations gate for a destination.
func NewIntegrationOptions(destinationKey string) *IntegrationOptions {
	return &IntegrationOptions{key: strings.TrimSpace(destinationKey)}
}

// Stage returns StagePreProcess.
func (p *IntegrationOptions) Stage() Stage { return StagePreProcess }

// Intercept checks the destination flag, then "All".
func (p *IntegrationOptions) Intercept(_ context.Context, e event.Event) (event.Event, bool) {
	if e.DestinationEnabled(p.key) {
		return e, true
	}
	p.Logger().Debug("event disabled for destination",
		observability.F("destination", p.key),
		observability.F("messageId", e.MessageID))
	return event.Event{}, false
}

// EventFilter filters track events by name for one destination. Other variants pass.
type EventFilter struct {
	Base
	BaseHandler
	key string

	mu    sync.RWMutex
	mode  FilterMode
	names map[string]struct{}
}

// NewEventFilter creates a filter for the destination key.
func NewEventFilter(destinationKey string, mode FilterMode, names []string) *EventFilter {
	f := &EventFilter{key: strings.TrimSpace(destinationKey)}
	f.Update(mode, names)
	return f
}

// Update replaces the mode and the list of event names.
func (f *EventFilter) Update(mode FilterMode, names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if trimmed := strings.TrimSpace(n); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	f.mu.Lock()
	f.mode = mode
	f.names = set
	f.mu.Unlock()
}

// Stage returns StagePreProcess.
func (f *EventFilter) Stage() Stage { return StagePreProcess }

// Intercept dispatches by variant; only Track is filtered.
func (f *EventFilter) Intercept(ctx context.Context, e event.Event) (event.Event, bool) {
	return Dispatch(ctx, f, e)
}

// Track applies the allow or deny list.
func (f *EventFilter) Track(_ context.Context, e event.Event) (event.Event, bool) {
	name := strings.TrimSpace(e.Name())
	if f.drop(name) {
		f.Logger().Debug("event filtered for destination",
			observability.F("destination", f.key),
			observability.F("event", name))
		return event.Event{}, false
	}
	return e, true
}

func (f *EventFilter) drop(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, listed := f.names[name]
	switch f.mode {
	case FilterAllow:
		return !listed
	case FilterDeny:
		return listed
	default:
		return false
	}
}
