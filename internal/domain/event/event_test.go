package event

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrackDefaults(t *testing.T) {
	e := NewTrack("Order Completed", Properties{"revenue": 12.5}, WithAnonymousID("anon-1"))

	require.Equal(t, TypeTrack, e.Type)
	require.NotEmpty(t, e.MessageID)
	require.Equal(t, DefaultChannel, e.Channel)
	require.Equal(t, map[string]any{AllIntegrations: true}, e.Integrations)
	require.Equal(t, "Order Completed", e.Name())
	require.NoError(t, e.Validate())
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	e := NewTrack("Clicked", nil)
	require.Error(t, e.Validate())

	alias := NewAlias("old-id", WithAnonymousID("anon"))
	require.Error(t, alias.Validate(), "alias without a new user id")

	group := NewGroup("", nil, WithUserID("u1"))
	require.Error(t, group.Validate())
}

func TestSerializeUsesSentAtPlaceholder(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 20, 30, 123_000_000, time.UTC)
	e := NewTrack("Signed Up", Properties{"plan": "pro"}, WithAnonymousID("anon-1"), WithTimestamp(ts), WithMessageID("m-1"))

	out, err := Serialize(e)
	require.NoError(t, err)
	require.Contains(t, out, `"sentAt":"`+SentAtPlaceholder+`"`)
	require.Contains(t, out, `"originalTimestamp":"2026-03-01T10:20:30.123Z"`)
	require.Contains(t, out, `"event":"Signed Up"`)
	require.NotContains(t, out, "\n")
}

func TestRoundTripPreservesVariant(t *testing.T) {
	cases := []Event{
		NewTrack("Viewed", Properties{"sku": "a"}, WithAnonymousID("a")),
		NewScreen("Home", "main", Properties{"tab": 1.0}, WithAnonymousID("a")),
		NewIdentify(Properties{"email": "x@example.com"}, WithUserID("u1"), WithAnonymousID("a")),
		NewGroup("acme", Properties{"plan": "team"}, WithUserID("u1")),
		NewAlias("old", WithUserID("new")),
	}
	for _, original := range cases {
		t.Run(string(original.Type), func(t *testing.T) {
			data, err := json.Marshal(original)
			require.NoError(t, err)

			var decoded Event
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, original.Type, decoded.Type)
			assert.Equal(t, original.MessageID, decoded.MessageID)
			assert.Equal(t, original.Name(), decoded.Name())
			assert.NoError(t, decoded.Validate())
			assert.True(t, original.OriginalTimestamp.Truncate(time.Millisecond).Equal(decoded.OriginalTimestamp))
		})
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"type":"page","messageId":"m"}`), &e)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unknown type"))
}

func TestCloneIsDeep(t *testing.T) {
	e := NewTrack("Viewed", Properties{"nested": map[string]any{"a": 1}}, WithAnonymousID("a"))
	c := e.Clone()
	c.Track.Properties["nested"].(map[string]any)["a"] = 2
	c.Context["locale"] = "en-US"
	c.Integrations["Amplitude"] = false

	require.Equal(t, 1, e.Track.Properties["nested"].(map[string]any)["a"])
	require.NotContains(t, e.Context, "locale")
	require.NotContains(t, e.Integrations, "Amplitude")
}

func TestDestinationEnabled(t *testing.T) {
	e := NewTrack("x", nil, WithAnonymousID("a"))
	require.True(t, e.DestinationEnabled("Firebase"))

	e.Integrations = map[string]any{AllIntegrations: false, "Firebase": true}
	require.True(t, e.DestinationEnabled("Firebase"))
	require.False(t, e.DestinationEnabled("Braze"))

	e.Integrations = map[string]any{"Braze": map[string]any{"k": "v"}}
	require.True(t, e.DestinationEnabled("Braze"))
}
