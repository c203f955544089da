package models

import "time"

// RunStatus is the server-reported lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether no further transitions are expected for the run.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// StartRunRequest is the body of POST /api/runs.
type StartRunRequest struct {
	FlowKey  string   `json:"flow_key"`
	FlowKeys []string `json:"flow_keys,omitempty"`
	PlanID   string   `json:"plan_id,omitempty"`
}

// Run describes a run as the server sees it.
type Run struct {
	ID             string    `json:"run_id"`
	Status         RunStatus `json:"status"`
	FlowKeys       []string  `json:"flow_keys"`
	PlanID         string    `json:"plan_id,omitempty"`
	CurrentFlow    string    `json:"current_flow,omitempty"`
	CurrentStep    string    `json:"current_step,omitempty"`
	CompletedFlows []string  `json:"completed_flows"`
	Progress       int       `json:"progress"`
	Error          string    `json:"error,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunAction acknowledges a pause, resume or stop request.
type RunAction struct {
	RunID  string    `json:"run_id"`
	Action string    `json:"action"`
	Status RunStatus `json:"status"`
}
