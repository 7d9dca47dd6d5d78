// Package revenue normalises monetary track properties to fixed-scale numbers.
package revenue

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pulse/internal/app/plugin"
	"github.com/coachpo/pulse/internal/domain/event"
	"github.com/coachpo/pulse/internal/observability"
)

// DefaultFields are the properties normalised when no list is configured.
var DefaultFields = []string{"revenue", "price", "total", "value"}

// DefaultScale is the number of fractional digits kept.
const DefaultScale int32 = 2

// Plugin rounds monetary properties half-away-from-zero and derives revenue from
// price times quantity when revenue is absent.
type Plugin struct {
	plugin.Base
	plugin.BaseHandler

	scale  int32
	fields []string
}

// Option configures the plugin.
type Option func(*Plugin)

// WithScale sets the fractional digits kept.
func WithScale(scale int32) Option {
	return func(p *Plugin) {
		if scale >= 0 {
			p.scale = scale
		}
	}
}

// WithFields replaces the normalised property names.
func WithFields(fields []string) Option {
	return func(p *Plugin) {
		if len(fields) > 0 {
			p.fields = append([]string(nil), fields...)
		}
	}
}

// New creates the revenue plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{scale: DefaultScale, fields: DefaultFields}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Stage returns StageOnProcess.
func (p *Plugin) Stage() plugin.Stage { return plugin.StageOnProcess }

// Intercept routes by variant; only track events carry monetary properties.
func (p *Plugin) Intercept(ctx context.Context, e event.Event) (event.Event, bool) {
	return plugin.Dispatch(ctx, p, e)
}

// Track normalises the configured properties.
func (p *Plugin) Track(_ context.Context, e event.Event) (event.Event, bool) {
	if e.Track == nil || len(e.Track.Properties) == 0 {
		return e, true
	}
	e = e.Clone()
	props := e.Track.Properties
	for _, field := range p.fields {
		raw, ok := props[field]
		if !ok {
			continue
		}
		amount, err := Parse(raw)
		if err != nil {
			p.Logger().Debug("revenue property left as is",
				observability.F("event", e.Track.Name),
				observability.F("property", field),
				observability.Err(err))
			continue
		}
		props[field] = amount.Round(p.scale).InexactFloat64()
	}

	if _, has := props["revenue"]; !has {
		price, errPrice := parseField(props, "price")
		qty, errQty := parseField(props, "quantity")
		if errPrice == nil && errQty == nil {
			props["revenue"] = price.Mul(qty).Round(p.scale).InexactFloat64()
		}
	}
	return e, true
}

func parseField(props event.Properties, key string) (decimal.Decimal, error) {
	raw, ok := props[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s missing", key)
	}
	return Parse(raw)
}

// Parse converts a property value to a decimal. Strings may carry a leading currency
// symbol and thousands separators.
func Parse(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		text := strings.TrimSpace(v)
		text = strings.TrimLeft(text, "$€£¥")
		text = strings.ReplaceAll(text, ",", "")
		if text == "" {
			return decimal.Zero, fmt.Errorf("empty amount")
		}
		return decimal.NewFromString(text)
	case fmt.Stringer:
		return decimal.NewFromString(strings.TrimSpace(v.String()))
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %T", raw)
	}
}
