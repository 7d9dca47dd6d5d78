package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

// Chain holds the registered plugins grouped by stage, each stage in registration order.
type Chain struct {
	host *Host

	mu     sync.RWMutex
	stages [StageUtility + 1][]Plugin
}

// NewChain creates an empty chain. Plugins added later receive host on Setup.
func NewChain(host *Host) *Chain {
	if host == nil {
		host = &Host{}
	}
	if host.Logger == nil {
		host.Logger = observability.Log()
	}
	if host.Flush == nil {
		host.Flush = func() {}
	}
	return &Chain{host: host}
}

// Add registers the plugin at the end of its stage and runs its Setup.
func (c *Chain) Add(p Plugin) error {
	if p == nil {
		return errs.New("plugin/chain", errs.CodeInvalid, errs.WithMessage("plugin required"))
	}
	stage := p.Stage()
	if !stage.valid() {
		return errs.New("plugin/chain", errs.CodeInvalid, errs.WithMessage("unknown stage "+stage.String()))
	}
	p.Setup(c.host)
	c.mu.Lock()
	c.stages[stage] = append(c.stages[stage], p)
	c.mu.Unlock()
	return nil
}

// Remove unregisters the plugin and runs its Teardown. It reports whether the plugin was
// registered.
func (c *Chain) Remove(p Plugin) bool {
	if p == nil || !p.Stage().valid() {
		return false
	}
	stage := p.Stage()
	c.mu.Lock()
	removed := false
	list := c.stages[stage]
	for i, existing := range list {
		if existing == p {
			c.stages[stage] = append(list[:i:i], list[i+1:]...)
			removed = true
			break
		}
	}
	c.mu.Unlock()
	if removed {
		p.Teardown()
	}
	return removed
}

// RemoveAll unregisters every plugin, tearing each down.
func (c *Chain) RemoveAll() {
	c.mu.Lock()
	var all []Plugin
	for i := range c.stages {
		all = append(all, c.stages[i]...)
		c.stages[i] = nil
	}
	c.mu.Unlock()
	for _, p := range all {
		p.Teardown()
	}
}

// Find returns the registered plugins satisfying match, in stage order.
func (c *Chain) Find(match func(Plugin) bool) []Plugin {
	var out []Plugin
	for _, stage := range c.snapshot() {
		for _, p := range stage {
			if match == nil || match(p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// Apply runs fn against every registered plugin, utility stage included.
func (c *Chain) Apply(fn func(Plugin)) {
	if fn == nil {
		return
	}
	for _, p := range c.Find(nil) {
		fn(p)
	}
}

// Process threads the event through pre-process and on-process plugins, then hands the
// surviving event to each terminal plugin. It reports false when a plugin dropped the
// event before the terminal stage.
func (c *Chain) Process(ctx context.Context, e event.Event) (event.Event, bool) {
	stages := c.snapshot()
	for _, stage := range []Stage{StagePreProcess, StageOnProcess} {
		for _, p := range stages[stage] {
			next, ok := c.intercept(ctx, p, e)
			if !ok {
				return event.Event{}, false
			}
			e = next
		}
	}
	for _, p := range stages[StageTerminal] {
		c.intercept(ctx, p, e.Clone())
	}
	return e, true
}

func (c *Chain) intercept(ctx context.Context, p Plugin, e event.Event) (out event.Event, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.host.Logger.Error("plugin panicked; event dropped",
				observability.F("stage", p.Stage().String()),
				observability.F("plugin", fmt.Sprintf("%T", p)),
				observability.F("messageId", e.MessageID),
				observability.F("panic", fmt.Sprint(r)))
			out, ok = event.Event{}, false
		}
	}()
	return p.Intercept(ctx, e)
}

func (c *Chain) snapshot() [StageUtility + 1][]Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out [StageUtility + 1][]Plugin
	for i := range c.stages {
		out[i] = append([]Plugin(nil), c.stages[i]...)
	}
	return out
}
