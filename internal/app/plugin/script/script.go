// Package script runs user JavaScript as an enrichment or filter plugin.
//
// A script defines intercept(event) either as a global function or as an export. The event
// arrives in its wire form; returning null or false drops it, returning undefined keeps it
// unchanged and returning an object replaces it. messageId and type cannot be changed.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pulse/errs"
	"github.com/coachpo/pulse/internal/app/plugin"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

const (
	component = "plugin/script"

	// FunctionName is the entry point looked up in the script.
	FunctionName = "intercept"

	// DefaultTimeout bounds one intercept call.
	DefaultTimeout = 50 * time.Millisecond
)

// Plugin is a goja-backed pipeline participant.
type Plugin struct {
	plugin.Base

	name    string
	stage   plugin.Stage
	timeout time.Duration

	mu sync.Mutex
	rt *goja.Runtime
	fn goja.Callable
}

// Option configures a script plugin.
type Option func(*Plugin)

// WithStage runs the script at the given stage. Only pre-process and on-process apply.
func WithStage(stage plugin.Stage) Option {
	return func(p *Plugin) {
		if stage == plugin.StagePreProcess || stage == plugin.StageOnProcess {
			p.stage = stage
		}
	}
}

// WithTimeout bounds each intercept call.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Plugin) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// Load compiles the script file at path.
func Load(path string, opts ...Option) (*Plugin, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	source, err := os.ReadFile(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("read script"), errs.WithCause(err))
	}
	return New(filepath.Base(clean), string(source), opts...)
}

// New compiles source and resolves its intercept function.
func New(name, source string, opts ...Option) (*Plugin, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "inline"
	}
	if strings.TrimSpace(source) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("script source required"))
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("compile script"), errs.WithField("script", name), errs.WithCause(err))
	}

	p := &Plugin{name: name, stage: plugin.StageOnProcess, timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	rt := goja.New()
	exports, err := p.runModule(rt, program)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("run script"), errs.WithField("script", name), errs.WithCause(err))
	}
	value := exports.Get(FunctionName)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		value = rt.Get(FunctionName)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("script must define "+FunctionName+"(event)"), errs.WithField("script", name))
	}
	p.rt = rt
	p.fn = fn
	return p, nil
}

// Name returns the script name.
func (p *Plugin) Name() string { return p.name }

// Stage returns the configured stage.
func (p *Plugin) Stage() plugin.Stage { return p.stage }

// Intercept runs the script against the event's wire form. Script failures keep the event.
func (p *Plugin) Intercept(_ context.Context, e event.Event) (event.Event, bool) {
	raw, err := json.Marshal(e)
	if err != nil {
		p.Logger().Warn("script input encode failed", observability.F("script", p.name), observability.Err(err))
		return e, true
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		p.Logger().Warn("script input decode failed", observability.F("script", p.name), observability.Err(err))
		return e, true
	}

	result, err := p.call(input)
	if err != nil {
		p.Logger().Warn("script failed, event kept", observability.F("script", p.name), observability.Err(err))
		return e, true
	}
	switch {
	case result == nil || goja.IsUndefined(result):
		return e, true
	case goja.IsNull(result):
		return event.Event{}, false
	}
	if keep, isBool := result.Export().(bool); isBool {
		if keep {
			return e, true
		}
		return event.Event{}, false
	}

	out, err := decode(result.Export())
	if err != nil {
		p.Logger().Warn("script returned invalid event, event kept",
			observability.F("script", p.name), observability.Err(err))
		return e, true
	}
	out.MessageID = e.MessageID
	out.Type = e.Type
	if out.Validate() != nil {
		p.Logger().Warn("script returned invalid event, event kept", observability.F("script", p.name))
		return e, true
	}
	return out, true
}

func (p *Plugin) call(input map[string]any) (goja.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer := time.AfterFunc(p.timeout, func() {
		p.rt.Interrupt(fmt.Sprintf("%s exceeded %s", FunctionName, p.timeout))
	})
	defer func() {
		timer.Stop()
		p.rt.ClearInterrupt()
	}()
	return p.fn(goja.Undefined(), p.rt.ToValue(input))
}

func decode(exported any) (event.Event, error) {
	raw, err := json.Marshal(exported)
	if err != nil {
		return event.Event{}, err
	}
	var out event.Event
	if err := json.Unmarshal(raw, &out); err != nil {
		return event.Event{}, err
	}
	return out, nil
}

func (p *Plugin) runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", p.buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func (p *Plugin) buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			msg := strings.Join(parts, " ")
			logger := p.Logger()
			fields := []observability.Field{observability.F("script", p.name)}
			switch level {
			case "error":
				logger.Error(msg, fields...)
			case "warn":
				logger.Warn(msg, fields...)
			default:
				logger.Debug(msg, fields...)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", emit("log"))
	_ = console.Set("info", emit("info"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	return console
}
