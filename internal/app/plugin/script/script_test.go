package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pulse/internal/app/plugin"
	"github.com/coachpo/pulse/internal/domain/event"
)

func track(name string) event.Event {
	return event.NewTrack(name, event.Properties{"plan": "pro"}, event.WithAnonymousID("anon"))
}

func TestNewRejectsBadScripts(t *testing.T) {
	_, err := New("empty", "  ")
	require.Error(t, err)
	_, err = New("syntax", "function intercept(e { return e }")
	require.Error(t, err)
	_, err = New("missing", "var x = 1;")
	require.Error(t, err)
	_, err = New("throws", "throw new Error('boom')")
	require.Error(t, err)
}

func TestInterceptMutatesEvent(t *testing.T) {
	p, err := New("enrich", `
function intercept(e) {
  e.context = e.context || {};
  e.context.app = "pulse";
  e.properties.plan = e.properties.plan.toUpperCase();
  e.messageId = "forged";
  return e;
}`)
	require.NoError(t, err)
	require.Equal(t, plugin.StageOnProcess, p.Stage())

	in := track("Signup")
	out, ok := p.Intercept(context.Background(), in)
	require.True(t, ok)
	require.Equal(t, in.MessageID, out.MessageID)
	require.Equal(t, event.TypeTrack, out.Type)
	require.Equal(t, "pulse", out.Context["app"])
	require.Equal(t, "PRO", out.Track.Properties["plan"])
	require.Equal(t, "pro", in.Track.Properties["plan"])
}

func TestInterceptDropsOnNullOrFalse(t *testing.T) {
	p, err := New("drop", `
module.exports.intercept = function (e) {
  if (e.event === "Noise") { return null; }
  if (e.event === "Quiet") { return false; }
  return undefined;
};`)
	require.NoError(t, err)

	_, ok := p.Intercept(context.Background(), track("Noise"))
	require.False(t, ok)
	_, ok = p.Intercept(context.Background(), track("Quiet"))
	require.False(t, ok)

	in := track("Signal")
	out, ok := p.Intercept(context.Background(), in)
	require.True(t, ok)
	require.Equal(t, in.MessageID, out.MessageID)
}

func TestInterceptKeepsEventOnScriptError(t *testing.T) {
	p, err := New("broken", `function intercept(e) { return e.missing.field; }`)
	require.NoError(t, err)

	in := track("Signup")
	out, ok := p.Intercept(context.Background(), in)
	require.True(t, ok)
	require.Equal(t, in.MessageID, out.MessageID)
}

func TestInterceptKeepsEventWhenResultInvalid(t *testing.T) {
	p, err := New("strip", `function intercept(e) { delete e.anonymousId; return e; }`)
	require.NoError(t, err)

	in := track("Signup")
	out, ok := p.Intercept(context.Background(), in)
	require.True(t, ok)
	require.Equal(t, "anon", out.AnonymousID)
}

func TestInterceptTimesOut(t *testing.T) {
	p, err := New("spin", `function intercept(e) { for (;;) {} }`, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)

	in := track("Signup")
	out, ok := p.Intercept(context.Background(), in)
	require.True(t, ok)
	require.Equal(t, in.MessageID, out.MessageID)

	// the runtime stays usable after an interrupt
	_, ok = p.Intercept(context.Background(), in)
	require.True(t, ok)
}

func TestLoadFromFileAndStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.js")
	require.NoError(t, os.WriteFile(path, []byte(`function intercept(e) { console.log("seen", e.event); return e.userId ? e : null; }`), 0o600))

	p, err := Load(path, WithStage(plugin.StagePreProcess), WithStage(plugin.StageTerminal))
	require.NoError(t, err)
	require.Equal(t, "gate.js", p.Name())
	require.Equal(t, plugin.StagePreProcess, p.Stage())

	chain := plugin.NewChain(nil)
	require.NoError(t, chain.Add(p))
	_, ok := chain.Process(context.Background(), track("Anonymous"))
	require.False(t, ok)
	_, ok = chain.Process(context.Background(),
		event.NewTrack("Known", nil, event.WithUserID("u1")))
	require.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)
}
