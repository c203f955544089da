package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUsesSSENameOverEnvelopeKind(t *testing.T) {
	ev, err := Decode("step_start", []byte(`{"kind":"message","run_id":"r1","flow_key":"plan","step_id":"draft","agent_key":"planner"}`))
	require.NoError(t, err)

	step, ok := ev.(StepStarted)
	require.True(t, ok)
	assert.Equal(t, "plan", step.FlowKey)
	assert.Equal(t, "draft", step.StepID)
	assert.Equal(t, "planner", step.AgentKey)
	assert.Equal(t, KindStepStart, ev.Kind())
	assert.Equal(t, "r1", ev.RunID())
}

func TestDecodeFallsBackToEnvelopeKind(t *testing.T) {
	for _, name := range []string{"", "message"} {
		ev, err := Decode(name, []byte(`{"kind":"flow_completed","run_id":"r1","flow_key":"signal"}`))
		require.NoError(t, err)
		fc, ok := ev.(FlowCompleted)
		require.True(t, ok, "name %q", name)
		assert.Equal(t, "signal", fc.FlowKey)
	}
}

func TestUnknownKindIsUnrecognized(t *testing.T) {
	ev, err := Decode("telemetry_v2", []byte(`{"run_id":"r1","payload":{"x":1}}`))
	require.NoError(t, err)

	u, ok := ev.(Unrecognized)
	require.True(t, ok)
	assert.Equal(t, "telemetry_v2", u.Name)
	assert.False(t, IsKnown(ev.Kind()))
}

func TestFailedAlwaysHasMessage(t *testing.T) {
	ev := FromEnvelope(Envelope{Kind: KindError, RunID: "r1"})
	f := ev.(Failed)
	assert.NotEmpty(t, f.Message)
	assert.False(t, f.Synthetic)

	ev = FromEnvelope(Envelope{Kind: KindError, RunID: "r1", Payload: map[string]any{"error": "build broke"}})
	assert.Equal(t, "build broke", ev.(Failed).Message)
}

func TestConnectionLost(t *testing.T) {
	ev := ConnectionLost("r1", time.Unix(100, 0))
	f, ok := ev.(Failed)
	require.True(t, ok)
	assert.True(t, f.Synthetic)
	assert.Equal(t, KindError, ev.Kind())
	assert.Equal(t, ConnectionLostMessage, ev.Envelope().Payload["error"])
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode("step_start", []byte(`not json`))
	assert.Error(t, err)
}

func TestProgressAndValidation(t *testing.T) {
	ev, err := Decode("step_end", []byte(`{"run_id":"r1","payload":{"progress":42}}`))
	require.NoError(t, err)
	p, ok := ev.(StepEnded).Progress()
	assert.True(t, ok)
	assert.Equal(t, 42, p)

	env := Envelope{Kind: " step_start ", RunID: " r1 "}
	env.Normalize(time.Unix(5, 0))
	assert.NoError(t, env.Validate())
	assert.Equal(t, KindStepStart, env.Kind)
	assert.Equal(t, "r1", env.RunID)
	assert.False(t, env.Timestamp.IsZero())

	assert.Error(t, Envelope{RunID: "r1"}.Validate())
	assert.Error(t, Envelope{Kind: KindComplete}.Validate())
}
