package event

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

type wireEvent struct {
	Type              Type           `json:"type"`
	MessageID         string         `json:"messageId"`
	OriginalTimestamp string         `json:"originalTimestamp"`
	AnonymousID       string         `json:"anonymousId,omitempty"`
	UserID            string         `json:"userId,omitempty"`
	Channel           string         `json:"channel,omitempty"`
	Integrations      map[string]any `json:"integrations,omitempty"`
	SentAt            string         `json:"sentAt"`
	Context           map[string]any `json:"context,omitempty"`
	Event             string         `json:"event,omitempty"`
	Name              string         `json:"name,omitempty"`
	Category          string         `json:"category,omitempty"`
	Properties        Properties     `json:"properties,omitempty"`
	Traits            Properties     `json:"traits,omitempty"`
	GroupID           string         `json:"groupId,omitempty"`
	PreviousID        string         `json:"previousId,omitempty"`
}

// MarshalJSON renders the collector wire form. The sentAt field always carries the
// placeholder; the delivery engine substitutes it just before upload.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:              e.Type,
		MessageID:         e.MessageID,
		OriginalTimestamp: FormatTimestamp(e.OriginalTimestamp),
		AnonymousID:       e.AnonymousID,
		UserID:            e.UserID,
		Channel:           e.Channel,
		Integrations:      e.Integrations,
		SentAt:            SentAtPlaceholder,
		Context:           e.Context,
	}
	switch e.Type {
	case TypeTrack:
		if e.Track != nil {
			w.Event = e.Track.Name
			w.Properties = e.Track.Properties
		}
	case TypeScreen:
		if e.Screen != nil {
			w.Event = e.Screen.Name
			w.Name = e.Screen.Name
			w.Category = e.Screen.Category
			w.Properties = e.Screen.Properties
		}
	case TypeIdentify:
		if e.Identify != nil {
			w.Traits = e.Identify.Traits
		}
	case TypeGroup:
		if e.Group != nil {
			w.GroupID = e.Group.GroupID
			w.Traits = e.Group.Traits
		}
	case TypeAlias:
		if e.Alias != nil {
			w.PreviousID = e.Alias.PreviousID
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return data, nil
}

// UnmarshalJSON parses the wire form back into the tagged union.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	typ := Type(strings.ToLower(strings.TrimSpace(string(w.Type))))
	if !typ.Valid() {
		return fmt.Errorf("unmarshal event: unknown type %q", w.Type)
	}
	ts, err := ParseTimestamp(w.OriginalTimestamp)
	if err != nil {
		return fmt.Errorf("unmarshal event: %w", err)
	}
	out := Event{
		Type:              typ,
		MessageID:         w.MessageID,
		AnonymousID:       w.AnonymousID,
		UserID:            w.UserID,
		OriginalTimestamp: ts,
		Channel:           w.Channel,
		Context:           w.Context,
		Integrations:      w.Integrations,
	}
	if out.Context == nil {
		out.Context = map[string]any{}
	}
	if out.Integrations == nil {
		out.Integrations = map[string]any{AllIntegrations: true}
	}
	switch typ {
	case TypeTrack:
		out.Track = &Track{Name: w.Event, Properties: w.Properties}
	case TypeScreen:
		name := w.Name
		if name == "" {
			name = w.Event
		}
		out.Screen = &Screen{Name: name, Category: w.Category, Properties: w.Properties}
	case TypeIdentify:
		out.Identify = &Identify{Traits: w.Traits}
	case TypeGroup:
		out.Group = &Group{GroupID: w.GroupID, Traits: w.Traits}
	case TypeAlias:
		out.Alias = &Alias{PreviousID: w.PreviousID}
	}
	*e = out
	return nil
}

// Serialize validates the event and renders the single-line JSON stored in a batch.
func Serialize(e Event) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatTimestamp renders t in UTC ISO-8601 with millisecond precision.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the millisecond layout and plain RFC 3339.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(TimestampLayout, trimmed); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts.UTC(), nil
}
