// Package events defines the push-event envelope and its typed variants.
package events

import (
	"errors"
	"strings"
	"time"
)

// Kind names an event on the push channel.
type Kind string

const (
	KindConnected       Kind = "connected"
	KindHeartbeat       Kind = "heartbeat"
	KindRunStart        Kind = "run_start"
	KindFlowStart       Kind = "flow_start"
	KindStepStart       Kind = "step_start"
	KindStepEnd         Kind = "step_end"
	KindFlowCompleted   Kind = "flow_completed"
	KindPlanCompleted   Kind = "plan_completed"
	KindComplete        Kind = "complete"
	KindArtifactCreated Kind = "artifact_created"
	KindLLMToken        Kind = "llm_token"
	KindError           Kind = "error"
)

// KnownKinds lists every kind with a dedicated variant.
var KnownKinds = []Kind{
	KindConnected, KindHeartbeat, KindRunStart, KindFlowStart, KindStepStart, KindStepEnd,
	KindFlowCompleted, KindPlanCompleted, KindComplete, KindArtifactCreated, KindLLMToken, KindError,
}

// IsKnown reports whether k has a dedicated variant.
func IsKnown(k Kind) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Envelope is one message on the push channel.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	FlowKey   string         `json:"flow_key,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	AgentKey  string         `json:"agent_key,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Normalize trims identifiers and stamps a missing timestamp with now.
func (e *Envelope) Normalize(now time.Time) {
	if e == nil {
		return
	}
	e.Kind = Kind(strings.TrimSpace(string(e.Kind)))
	e.RunID = strings.TrimSpace(e.RunID)
	e.FlowKey = strings.TrimSpace(e.FlowKey)
	e.StepID = strings.TrimSpace(e.StepID)
	e.AgentKey = strings.TrimSpace(e.AgentKey)
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
}

// Validate enforces the fields every envelope needs.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return errors.New("kind is required")
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	return nil
}

// PayloadString returns a string payload field.
func (e Envelope) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns a numeric payload field. JSON numbers decode as float64.
func (e Envelope) PayloadInt(key string) (int, bool) {
	if e.Payload == nil {
		return 0, false
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
