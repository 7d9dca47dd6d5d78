// Package event defines the analytics event model shared by the pipeline, store and delivery layers.
package event

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/pulse/errs"
)

// Type tags the variant carried by an Event.
type Type string

const (
	// TypeTrack records a named user action.
	TypeTrack Type = "track"
	// TypeScreen records a screen view.
	TypeScreen Type = "screen"
	// TypeIdentify ties the anonymous user to a known user id and traits.
	TypeIdentify Type = "identify"
	// TypeGroup associates the user with a group or account.
	TypeGroup Type = "group"
	// TypeAlias merges a previous identity into the current one.
	TypeAlias Type = "alias"
)

// Valid reports whether the type is one of the five supported variants.
func (t Type) Valid() bool {
	switch t {
	case TypeTrack, TypeScreen, TypeIdentify, TypeGroup, TypeAlias:
		return true
	default:
		return false
	}
}

const (
	// SentAtPlaceholder is written into every serialized event and replaced with the
	// real send time immediately before upload.
	SentAtPlaceholder = "{{_RSA_DEF_SENT_AT_TS_}}"
	// DefaultChannel is stamped on every event.
	DefaultChannel = "mobile"
	// AllIntegrations is the integrations key controlling every destination at once.
	AllIntegrations = "All"
	// TimestampLayout renders ISO-8601 timestamps with millisecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Properties holds free-form event properties or traits.
type Properties map[string]any

// Track carries the payload of a track call.
type Track struct {
	Name       string
	Properties Properties
}

// Screen carries the payload of a screen call.
type Screen struct {
	Name       string
	Category   string
	Properties Properties
}

// Identify carries the payload of an identify call.
type Identify struct {
	Traits Properties
}

// Group carries the payload of a group call.
type Group struct {
	GroupID string
	Traits  Properties
}

// Alias carries the payload of an alias call.
type Alias struct {
	PreviousID string
}

// Event is a tagged union over the five call variants. Exactly one variant payload is
// populated, selected by Type.
type Event struct {
	Type              Type
	MessageID         string
	AnonymousID       string
	UserID            string
	OriginalTimestamp time.Time
	Channel           string
	Context           map[string]any
	Integrations      map[string]any

	Track    *Track
	Screen   *Screen
	Identify *Identify
	Group    *Group
	Alias    *Alias
}

// Option customises a freshly constructed event.
type Option func(*Event)

// WithAnonymousID sets the anonymous identifier.
func WithAnonymousID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		e.AnonymousID = trimmed
	}
}

// WithUserID sets the known user identifier.
func WithUserID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		e.UserID = trimmed
	}
}

// WithTimestamp overrides the capture time.
func WithTimestamp(ts time.Time) Option {
	return func(e *Event) {
		if !ts.IsZero() {
			e.OriginalTimestamp = ts.UTC()
		}
	}
}

// WithIntegrations merges per-destination delivery flags over the {"All": true} default.
func WithIntegrations(integrations map[string]any) Option {
	return func(e *Event) {
		for k, v := range integrations {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Integrations[key] = v
		}
	}
}

// WithContext merges custom context entries.
func WithContext(ctx map[string]any) Option {
	return func(e *Event) {
		for k, v := range ctx {
			e.Context[k] = v
		}
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *Event) {
		if trimmed != "" {
			e.MessageID = trimmed
		}
	}
}

func newEvent(typ Type, opts []Option) Event {
	e := Event{
		Type:              typ,
		MessageID:         uuid.NewString(),
		OriginalTimestamp: time.Now().UTC(),
		Channel:           DefaultChannel,
		Context:           map[string]any{},
		Integrations:      map[string]any{AllIntegrations: true},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	return e
}

// NewTrack builds a track event.
func NewTrack(name string, props Properties, opts ...Option) Event {
	e := newEvent(TypeTrack, opts)
	e.Track = &Track{Name: strings.TrimSpace(name), Properties: cloneProps(props)}
	return e
}

// NewScreen builds a screen event.
func NewScreen(name, category string, props Properties, opts ...Option) Event {
	e := newEvent(TypeScreen, opts)
	e.Screen = &Screen{Name: strings.TrimSpace(name), Category: strings.TrimSpace(category), Properties: cloneProps(props)}
	return e
}

// NewIdentify builds an identify event. The user id is taken from the options.
func NewIdentify(traits Properties, opts ...Option) Event {
	e := newEvent(TypeIdentify, opts)
	e.Identify = &Identify{Traits: cloneProps(traits)}
	return e
}

// NewGroup builds a group event.
func NewGroup(groupID string, traits Properties, opts ...Option) Event {
	e := newEvent(TypeGroup, opts)
	e.Group = &Group{GroupID: strings.TrimSpace(groupID), Traits: cloneProps(traits)}
	return e
}

// NewAlias builds an alias event; the new id is the event's UserID.
func NewAlias(previousID string, opts ...Option) Event {
	e := newEvent(TypeAlias, opts)
	e.Alias = &Alias{PreviousID: strings.TrimSpace(previousID)}
	return e
}

// Validate checks the tag/payload consistency and the mandatory fields of each variant.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(e.Type)))
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("messageId required"))
	}
	if e.AnonymousID == "" && e.UserID == "" {
		return errs.New("event", errs.CodeInvalid, errs.WithMessage("anonymousId or userId required"))
	}
	switch e.Type {
	case TypeTrack:
		if e.Track == nil || e.Track.Name == "" {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("track event name required"))
		}
	case TypeScreen:
		if e.Screen == nil || e.Screen.Name == "" {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("screen name required"))
		}
	case TypeIdentify:
		if e.Identify == nil {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("identify payload required"))
		}
	case TypeGroup:
		if e.Group == nil || e.Group.GroupID == "" {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("groupId required"))
		}
	case TypeAlias:
		if e.Alias == nil || e.UserID == "" {
			return errs.New("event", errs.CodeInvalid, errs.WithMessage("alias requires a new userId"))
		}
	}
	return nil
}

// Name returns the track event name or the screen name; empty for the other variants.
func (e Event) Name() string {
	switch e.Type {
	case TypeTrack:
		if e.Track != nil {
			return e.Track.Name
		}
	case TypeScreen:
		if e.Screen != nil {
			return e.Screen.Name
		}
	}
	return ""
}

// Clone returns a deep copy so plugins can return a mutated copy without touching the input.
func (e Event) Clone() Event {
	out := e
	out.Context = cloneMap(e.Context)
	out.Integrations = cloneMap(e.Integrations)
	if e.Track != nil {
		t := *e.Track
		t.Properties = cloneProps(e.Track.Properties)
		out.Track = &t
	}
	if e.Screen != nil {
		s := *e.Screen
		s.Properties = cloneProps(e.Screen.Properties)
		out.Screen = &s
	}
	if e.Identify != nil {
		i := *e.Identify
		i.Traits = cloneProps(e.Identify.Traits)
		out.Identify = &i
	}
	if e.Group != nil {
		g := *e.Group
		g.Traits = cloneProps(e.Group.Traits)
		out.Group = &g
	}
	if e.Alias != nil {
		a := *e.Alias
		out.Alias = &a
	}
	return out
}

// DestinationEnabled resolves the integrations map for a destination key: the key's own
// boolean flag wins, then "All", and anything else allows delivery.
func (e Event) DestinationEnabled(key string) bool {
	if len(e.Integrations) == 0 {
		return true
	}
	if v, ok := e.Integrations[key].(bool); ok {
		return v
	}
	if v, ok := e.Integrations[AllIntegrations].(bool); ok {
		return v
	}
	return true
}

func cloneProps(in Properties) Properties {
	if in == nil {
		return nil
	}
	return Properties(cloneMap(in))
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case Properties:
		return cloneProps(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = cloneValue(typed[i])
		}
		return out
	default:
		return v
	}
}
