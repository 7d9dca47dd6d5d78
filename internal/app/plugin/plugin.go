// Package plugin implements the staged event pipeline: pre-process and on-process plugins
// enrich or filter an event in order, then every terminal plugin receives the result.
package plugin

import (
	"context"
	"fmt"

	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

// Stage selects where in the pipeline a plugin runs.
type Stage int

const (
	// StagePreProcess runs first, typically for opt-out and identity checks.
	StagePreProcess Stage = iota
	// StageOnProcess runs after pre-process, typically for enrichment.
	StageOnProcess
	// StageTerminal receives the final event. Terminal plugins are siblings.
	StageTerminal
	// StageUtility never sees events; it is reached through explicit operations.
	StageUtility
)

func (s Stage) String() string {
	switch s {
	case StagePreProcess:
		return "pre_process"
	case StageOnProcess:
		return "on_process"
	case StageTerminal:
		return "terminal"
	case StageUtility:
		return "utility"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

func (s Stage) valid() bool {
	return s >= StagePreProcess && s <= StageUtility
}

// Host is handed to plugins on Setup.
type Host struct {
	WriteKey string
	Logger   observability.Logger
	// Flush requests a delivery cycle. It never blocks.
	Flush func()
}

// Plugin is one pipeline participant. Intercept returns false to drop the event; the
// returned event replaces the input for the plugins that follow.
type Plugin interface {
	Stage() Stage
	Setup(host *Host)
	Intercept(ctx context.Context, e event.Event) (event.Event, bool)
	Teardown()
}

// Flusher is implemented by plugins that react to an explicit flush.
type Flusher interface {
	Flush(ctx context.Context)
}

// Resetter is implemented by plugins that clear state on an explicit reset.
type Resetter interface {
	Reset(ctx context.Context)
}

// Base provides no-op lifecycle hooks and keeps the host for embedding plugins.
type Base struct {
	Host *Host
}

// Setup stores the host.
func (b *Base) Setup(host *Host) {
	b.Host = host
}

// Teardown is a no-op.
func (b *Base) Teardown() {}

// Logger returns the host logger or the global one before Setup.
func (b *Base) Logger() observability.Logger {
	if b.Host != nil && b.Host.Logger != nil {
		return b.Host.Logger
	}
	return observability.Log()
}
