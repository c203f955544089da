package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the sum of every push-event variant. Switch on the concrete type;
// kinds this build does not know arrive as Unrecognized.
type Event interface {
	Envelope() Envelope
	Kind() Kind
	RunID() string
	event()
}

// Base carries the envelope shared by every variant.
type Base struct {
	env Envelope
}

func (b Base) Envelope() Envelope { return b.env }
func (b Base) Kind() Kind         { return b.env.Kind }
func (b Base) RunID() string      { return b.env.RunID }
func (Base) event()               {}

// Progress returns the payload's progress percentage, if present.
func (b Base) Progress() (int, bool) { return b.env.PayloadInt("progress") }

type (
	// Connected is sent once when the stream opens.
	Connected struct{ Base }

	// Heartbeat keeps an idle connection alive.
	Heartbeat struct{ Base }

	// RunStarted marks the start of a run on the server.
	RunStarted struct{ Base }

	// FlowStarted marks the start of one flow within a run.
	FlowStarted struct {
		Base
		FlowKey string
	}

	// StepStarted marks the start of a step.
	StepStarted struct {
		Base
		FlowKey  string
		StepID   string
		AgentKey string
	}

	// StepEnded marks the end of a step.
	StepEnded struct {
		Base
		FlowKey string
		StepID  string
	}

	// FlowCompleted marks one flow of an autopilot run as done.
	FlowCompleted struct {
		Base
		FlowKey string
	}

	// PlanCompleted marks every flow of an autopilot plan as done.
	PlanCompleted struct{ Base }

	// Completed marks a run as done.
	Completed struct{ Base }

	// ArtifactCreated reports a file written by a step.
	ArtifactCreated struct {
		Base
		FlowKey string
		Path    string
	}

	// LLMToken streams model output.
	LLMToken struct {
		Base
		Text string
	}

	// Failed reports a run failure or, when Synthetic, a lost connection.
	Failed struct {
		Base
		Message   string
		Synthetic bool
	}

	// Unrecognized wraps a kind this build does not know.
	Unrecognized struct {
		Base
		Name string
	}
)

// ConnectionLostMessage is the payload error of a synthesized Failed event.
const ConnectionLostMessage = "Connection lost"

// FromEnvelope maps an envelope to its variant.
func FromEnvelope(env Envelope) Event {
	b := Base{env: env}
	switch env.Kind {
	case KindConnected:
		return Connected{b}
	case KindHeartbeat:
		return Heartbeat{b}
	case KindRunStart:
		return RunStarted{b}
	case KindFlowStart:
		return FlowStarted{Base: b, FlowKey: env.FlowKey}
	case KindStepStart:
		return StepStarted{Base: b, FlowKey: env.FlowKey, StepID: env.StepID, AgentKey: env.AgentKey}
	case KindStepEnd:
		return StepEnded{Base: b, FlowKey: env.FlowKey, StepID: env.StepID}
	case KindFlowCompleted:
		return FlowCompleted{Base: b, FlowKey: env.FlowKey}
	case KindPlanCompleted:
		return PlanCompleted{b}
	case KindComplete:
		return Completed{b}
	case KindArtifactCreated:
		return ArtifactCreated{Base: b, FlowKey: env.FlowKey, Path: env.PayloadString("path")}
	case KindLLMToken:
		return LLMToken{Base: b, Text: env.PayloadString("token")}
	case KindError:
		return Failed{Base: b, Message: errorMessage(env)}
	default:
		return Unrecognized{Base: b, Name: string(env.Kind)}
	}
}

// Decode parses one SSE frame. name is the SSE event name; when it is empty
// or "message" the envelope's own kind is used instead.
func Decode(name string, data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event %q: %w", name, err)
	}
	if name != "" && name != "message" {
		env.Kind = Kind(name)
	}
	return FromEnvelope(env), nil
}

// ConnectionLost synthesizes the error event sent when the stream drops.
func ConnectionLost(runID string, now time.Time) Event {
	env := Envelope{
		Kind:      KindError,
		Timestamp: now.UTC(),
		RunID:     runID,
		Payload:   map[string]any{"error": ConnectionLostMessage},
	}
	return Failed{Base: Base{env: env}, Message: ConnectionLostMessage, Synthetic: true}
}

// errorMessage never returns "": a failure always carries text.
func errorMessage(env Envelope) string {
	if s := env.PayloadString("error"); s != "" {
		return s
	}
	if s := env.PayloadString("message"); s != "" {
		return s
	}
	return "run failed"
}
