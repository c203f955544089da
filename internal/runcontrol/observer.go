package runcontrol

import "flow-studio/backend/internal/events"

// Observer receives run notifications. Calls happen after the controller has
// released its lock, so implementations may call back into it.
type Observer interface {
	OnRunStart(rec Record)
	OnStateChange(from, to State, rec Record)
	OnRunComplete(rec Record)
	OnRunFailed(rec Record)
	OnRunStopped(rec Record)
	OnFlowCompleted(flowKey string, rec Record)
	OnPlanCompleted(rec Record)
	OnRunEvent(ev events.Event)
}

// BaseObserver implements Observer with no-ops. Embed it to override only
// the callbacks you need.
type BaseObserver struct{}

func (BaseObserver) OnRunStart(Record)                  {}
func (BaseObserver) OnStateChange(State, State, Record) {}
func (BaseObserver) OnRunComplete(Record)               {}
func (BaseObserver) OnRunFailed(Record)                 {}
func (BaseObserver) OnRunStopped(Record)                {}
func (BaseObserver) OnFlowCompleted(string, Record)     {}
func (BaseObserver) OnPlanCompleted(Record)             {}
func (BaseObserver) OnRunEvent(events.Event)            {}

// Renderer draws the run controls. Render is called after every mutation.
type Renderer interface {
	Render(View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }
