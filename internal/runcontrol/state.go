package runcontrol

import (
	"fmt"
	"strings"

	"flow-studio/backend/pkg/models"
)

// State is the local lifecycle state of the controlled run.
type State string

const (
	Idle      State = "idle"
	Pending   State = "pending"
	Running   State = "running"
	Paused    State = "paused"
	Completed State = "completed"
	Failed    State = "failed"
	Stopped   State = "stopped"
)

// Terminal reports whether the current run can no longer change.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Stopped
}

// Settled reports whether a new run may be started or attached.
func (s State) Settled() bool {
	return s == Idle || s.Terminal()
}

func stateOf(status models.RunStatus) State {
	switch status {
	case models.RunPending:
		return Pending
	case models.RunRunning:
		return Running
	case models.RunPaused:
		return Paused
	case models.RunCompleted:
		return Completed
	case models.RunFailed:
		return Failed
	case models.RunStopped:
		return Stopped
	default:
		return Running
	}
}

// Record is the local projection of one run.
type Record struct {
	RunID          string
	State          State
	CurrentStep    string
	CurrentFlow    string
	CompletedFlows []string
	Progress       int
	Error          string
	Token          string
	Autopilot      bool
	FlowKeys       []string
	PlanID         string
}

func (r Record) clone() Record {
	r.CompletedFlows = append([]string{}, r.CompletedFlows...)
	r.FlowKeys = append([]string{}, r.FlowKeys...)
	return r
}

func (r *Record) completeFlow(key string) bool {
	for _, done := range r.CompletedFlows {
		if done == key {
			return false
		}
	}
	r.CompletedFlows = append(r.CompletedFlows, key)
	return true
}

func idleRecord() Record {
	return Record{State: Idle, CompletedFlows: []string{}, FlowKeys: []string{}}
}

// View is what a renderer needs to draw the run controls.
type View struct {
	State     State
	Status    string
	Error     string
	Loading   bool
	CanStart  bool
	CanPause  bool
	CanResume bool
	CanStop   bool
	CanReset  bool
}

func viewOf(r Record, loading bool) View {
	idle := !loading
	return View{
		State:     r.State,
		Status:    statusText(r),
		Error:     r.Error,
		Loading:   loading,
		CanStart:  idle && r.State.Settled(),
		CanPause:  idle && r.State == Running,
		CanResume: idle && r.State == Paused,
		CanStop:   idle && (r.State == Running || r.State == Paused),
		CanReset:  idle && r.State != Idle,
	}
}

func statusText(r Record) string {
	switch r.State {
	case Idle:
		return "No active run"
	case Pending:
		return "Starting run " + r.RunID
	case Running, Paused:
		var b strings.Builder
		if r.State == Running {
			b.WriteString("Running")
		} else {
			b.WriteString("Paused")
		}
		if r.CurrentFlow != "" {
			b.WriteString(" " + r.CurrentFlow)
		}
		if r.CurrentStep != "" {
			b.WriteString(" / " + r.CurrentStep)
		}
		if r.Autopilot && len(r.FlowKeys) > 0 {
			fmt.Fprintf(&b, " (%d/%d flows)", len(r.CompletedFlows), len(r.FlowKeys))
		}
		if r.Progress > 0 {
			fmt.Fprintf(&b, " %d%%", r.Progress)
		}
		return b.String()
	case Completed:
		return "Completed"
	case Failed:
		return "Failed: " + r.Error
	case Stopped:
		return "Stopped"
	}
	return string(r.State)
}
