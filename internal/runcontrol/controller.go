// Package runcontrol owns the local view of a pipeline run: it starts,
// attaches to, pauses, resumes and stops runs over the REST API and folds the
// run's push events into a Record.
package runcontrol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"flow-studio/backend/internal/events"
	"flow-studio/backend/internal/logging"
	"flow-studio/backend/internal/stream"
	"flow-studio/backend/internal/transport"
	"flow-studio/backend/pkg/models"
)

var (
	// ErrBusy is returned while another request for the run is in flight.
	ErrBusy = errors.New("a run request is already in flight")
	// ErrNotAllowed is returned when the action is illegal in the current
	// state. No request is sent.
	ErrNotAllowed = errors.New("action not allowed in the current run state")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("run controller is closed")
)

// ConflictMessage is shown when a run action hits a stale token.
const ConflictMessage = "run was changed elsewhere; reload"

// API is the part of transport.Client the controller uses.
type API interface {
	Do(ctx context.Context, method, resource string, body any, token string) (*transport.Result, error)
}

// Subscriber is the part of stream.Subscriber the controller uses.
type Subscriber interface {
	Subscribe(runID string, handler stream.Handler) stream.Unsubscribe
}

// Options configures a Controller.
type Options struct {
	Observer Observer
	Renderer Renderer
	Logger   *logging.Logger
	// CancelResetDelay, when positive, returns a run that failed because it
	// was cancelled to idle after this delay, unless the record changed first.
	CancelResetDelay time.Duration
}

// StartOptions selects what a new run executes. More than one flow key or a
// plan ID makes the run an autopilot run.
type StartOptions struct {
	FlowKeys []string
	PlanID   string
}

// Controller is the run control state machine. Create it with New and
// release it with Close.
type Controller struct {
	api        API
	subscriber Subscriber
	observer   Observer
	renderer   Renderer
	logger     *logging.Logger
	resetDelay time.Duration

	// renderMu keeps renders in order; a Renderer must not call actions.
	renderMu sync.Mutex

	mu         sync.Mutex
	rec        Record
	loading    bool
	seq        uint64
	unsub      stream.Unsubscribe
	resetTimer *time.Timer
	closed     bool
}

// New creates an idle Controller.
func New(api API, subscriber Subscriber, opts Options) *Controller {
	c := &Controller{
		api:        api,
		subscriber: subscriber,
		observer:   opts.Observer,
		renderer:   opts.Renderer,
		logger:     opts.Logger,
		resetDelay: opts.CancelResetDelay,
		rec:        idleRecord(),
	}
	if c.observer == nil {
		c.observer = BaseObserver{}
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Snapshot returns a copy of the current record.
func (c *Controller) Snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.clone()
}

// Loading reports whether a request is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// View returns what the run controls should currently show.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return viewOf(c.rec, c.loading)
}

// Start creates a run and subscribes to its events. It is allowed when no
// run is active or the previous one has ended.
func (c *Controller) Start(ctx context.Context, flowID string, opts StartOptions) error {
	keys := append([]string{}, opts.FlowKeys...)
	if flowID == "" && len(keys) > 0 {
		flowID = keys[0]
	}
	if flowID == "" {
		return fmt.Errorf("start run: flow id is required")
	}
	if len(keys) == 0 {
		keys = []string{flowID}
	}

	if _, err := c.begin(func(r Record) bool { return r.State.Settled() }); err != nil {
		return err
	}

	req := models.StartRunRequest{FlowKey: flowID, FlowKeys: keys, PlanID: opts.PlanID}
	res, err := c.api.Do(ctx, http.MethodPost, models.RunsPath(), req, "")
	if err != nil {
		return c.fail("start", err)
	}
	var run models.Run
	if err := res.Decode(&run); err != nil {
		return c.fail("start", err)
	}
	if run.ID == "" {
		return c.fail("start", errors.New("server returned a run without an id"))
	}

	rec := Record{
		RunID:          run.ID,
		State:          stateOf(run.Status),
		CurrentFlow:    run.CurrentFlow,
		CurrentStep:    run.CurrentStep,
		CompletedFlows: []string{},
		Progress:       run.Progress,
		Token:          res.Token,
		Autopilot:      len(keys) > 1 || opts.PlanID != "",
		FlowKeys:       keys,
		PlanID:         opts.PlanID,
	}
	if rec.CurrentFlow == "" {
		rec.CurrentFlow = keys[0]
	}
	c.adopt(rec)
	return nil
}

// Attach adopts an existing run and subscribes to it unless it has ended.
func (c *Controller) Attach(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("attach run: run id is required")
	}
	if _, err := c.begin(func(r Record) bool { return r.State.Settled() }); err != nil {
		return err
	}

	res, err := c.api.Do(ctx, http.MethodGet, models.RunPath(runID), nil, "")
	if err != nil {
		return c.fail("attach", err)
	}
	var run models.Run
	if err := res.Decode(&run); err != nil {
		return c.fail("attach", err)
	}

	rec := Record{
		RunID:          runID,
		State:          stateOf(run.Status),
		CurrentFlow:    run.CurrentFlow,
		CurrentStep:    run.CurrentStep,
		CompletedFlows: append([]string{}, run.CompletedFlows...),
		Progress:       run.Progress,
		Error:          run.Error,
		Token:          res.Token,
		Autopilot:      len(run.FlowKeys) > 1 || run.PlanID != "",
		FlowKeys:       append([]string{}, run.FlowKeys...),
		PlanID:         run.PlanID,
	}
	if rec.State == Failed && rec.Error == "" {
		rec.Error = "run failed"
	}
	c.adopt(rec)
	return nil
}

// Pause pauses a running run.
func (c *Controller) Pause(ctx context.Context) error {
	return c.control(ctx, http.MethodPost, "pause", Running, Paused)
}

// Resume resumes a paused run.
func (c *Controller) Resume(ctx context.Context) error {
	return c.control(ctx, http.MethodPost, "resume", Paused, Running)
}

// Stop terminates a running or paused run and closes its event stream. A
// stopped run carries no error.
func (c *Controller) Stop(ctx context.Context) error {
	return c.control(ctx, http.MethodDelete, "stop", Running, Stopped)
}

// Reset drops the current record and returns to idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	from := c.rec.State
	unsub := c.takeUnsubLocked()
	c.stopResetTimerLocked()
	c.rec = idleRecord()
	c.seq++
	snap := c.rec.clone()
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.render()
	if from != Idle {
		c.observer.OnStateChange(from, Idle, snap)
	}
	return nil
}

// Close unsubscribes and makes every later action return ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopResetTimerLocked()
	unsub := c.takeUnsubLocked()
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	return nil
}

// control runs pause, resume and stop. Stop is legal from paused as well.
func (c *Controller) control(ctx context.Context, method, action string, from, to State) error {
	rec, err := c.begin(func(r Record) bool {
		return r.State == from || (to == Stopped && r.State == Paused)
	})
	if err != nil {
		return err
	}

	resource := models.RunActionPath(rec.RunID, action)
	if method == http.MethodDelete {
		resource = models.RunPath(rec.RunID)
	}
	res, err := c.api.Do(ctx, method, resource, nil, rec.Token)
	if err != nil {
		return c.fail(action, err)
	}

	c.mu.Lock()
	c.loading = false
	prev := c.rec.State
	// An event may have ended the run while the request was in flight.
	applied := c.rec.RunID == rec.RunID && !prev.Terminal()
	var unsub stream.Unsubscribe
	if applied {
		c.rec.State = to
		c.rec.Error = ""
		if res.Token != "" {
			c.rec.Token = res.Token
		}
		if to == Stopped {
			unsub = c.takeUnsubLocked()
		}
		c.seq++
	}
	snap := c.rec.clone()
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.render()
	if applied {
		c.observer.OnStateChange(prev, to, snap)
		if to == Stopped {
			c.observer.OnRunStopped(snap)
		}
	}
	return nil
}

// begin claims the in-flight slot when allowed accepts the current record.
func (c *Controller) begin(allowed func(Record) bool) (Record, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return Record{}, ErrClosed
	case c.loading:
		c.mu.Unlock()
		return Record{}, ErrBusy
	case !allowed(c.rec):
		c.mu.Unlock()
		return Record{}, ErrNotAllowed
	}
	c.loading = true
	rec := c.rec.clone()
	c.mu.Unlock()

	c.render()
	return rec, nil
}

// fail ends an in-flight request that did not succeed. The lifecycle state is
// kept; only the error text changes.
func (c *Controller) fail(action string, err error) error {
	msg := describe(err)
	if errors.Is(err, transport.ErrConflict) {
		c.logger.Info("run action conflicted", "action", action, "error", err)
	} else {
		c.logger.Warn("run action failed", "action", action, "error", err)
	}

	c.mu.Lock()
	c.loading = false
	c.rec.Error = msg
	c.seq++
	c.mu.Unlock()

	c.render()
	return err
}

// adopt replaces the record with rec and subscribes to the new run.
func (c *Controller) adopt(rec Record) {
	c.mu.Lock()
	prev := c.takeUnsubLocked()
	c.stopResetTimerLocked()
	from := c.rec.State
	c.rec = rec
	c.loading = false
	c.seq++
	snap := c.rec.clone()
	c.mu.Unlock()

	if prev != nil {
		prev()
	}
	c.render()
	c.observer.OnRunStart(snap)
	if from != snap.State {
		c.observer.OnStateChange(from, snap.State, snap)
	}
	if snap.State.Terminal() {
		return
	}

	unsub := c.subscriber.Subscribe(snap.RunID, c.handle)
	c.mu.Lock()
	keep := !c.closed && c.rec.RunID == snap.RunID && !c.rec.State.Terminal() && c.unsub == nil
	if keep {
		c.unsub = unsub
	}
	c.mu.Unlock()
	if !keep {
		unsub()
	}
}

// handle folds one push event into the record.
func (c *Controller) handle(ev events.Event) {
	c.mu.Lock()
	if c.closed || c.rec.RunID == "" || c.rec.State.Terminal() {
		c.mu.Unlock()
		return
	}
	if id := ev.RunID(); id != "" && id != c.rec.RunID {
		c.mu.Unlock()
		return
	}

	from := c.rec.State
	mutated := true
	scheduleReset := false
	var (
		unsub stream.Unsubscribe
		notes []func(Record)
	)

	// Any event from the server means the stream is back.
	recovered := false
	if f, ok := ev.(events.Failed); !ok || !f.Synthetic {
		if c.rec.Error == events.ConnectionLostMessage {
			c.rec.Error = ""
			recovered = true
		}
	}

	switch e := ev.(type) {
	case events.RunStarted:
		if c.rec.State != Pending {
			mutated = false
			break
		}
		c.rec.State = Running
	case events.FlowStarted:
		if e.FlowKey != "" {
			c.rec.CurrentFlow = e.FlowKey
		}
		c.setProgressLocked(e.Base)
	case events.StepStarted:
		c.rec.CurrentStep = e.StepID
		if e.FlowKey != "" {
			c.rec.CurrentFlow = e.FlowKey
		}
	case events.StepEnded:
		mutated = c.setProgressLocked(e.Base)
	case events.FlowCompleted:
		key := e.FlowKey
		if key == "" || !c.rec.completeFlow(key) {
			mutated = false
			break
		}
		notes = append(notes, func(r Record) { c.observer.OnFlowCompleted(key, r) })
	case events.PlanCompleted:
		c.finishLocked()
		unsub = c.takeUnsubLocked()
		notes = append(notes, c.observer.OnPlanCompleted, c.observer.OnRunComplete)
	case events.Completed:
		c.finishLocked()
		unsub = c.takeUnsubLocked()
		notes = append(notes, c.observer.OnRunComplete)
	case events.Failed:
		if e.Synthetic {
			// A dropped stream is not a run outcome. The subscriber keeps
			// reconnecting; the message stays visible until it does.
			mutated = c.rec.Error != e.Message
			c.rec.Error = e.Message
			break
		}
		c.rec.State = Failed
		c.rec.Error = e.Message
		unsub = c.takeUnsubLocked()
		notes = append(notes, c.observer.OnRunFailed)
		scheduleReset = c.resetDelay > 0 && isCancellation(e.Message)
	default:
		mutated = false
	}

	if recovered {
		mutated = true
	}
	if mutated {
		c.seq++
	}
	if scheduleReset {
		c.scheduleResetLocked()
	}
	to := c.rec.State
	snap := c.rec.clone()
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if mutated {
		c.render()
	}
	c.observer.OnRunEvent(ev)
	if from != to {
		c.observer.OnStateChange(from, to, snap)
	}
	for _, note := range notes {
		note(snap)
	}
}

func (c *Controller) finishLocked() {
	c.rec.State = Completed
	c.rec.Progress = 100
}

func (c *Controller) setProgressLocked(b events.Base) bool {
	p, ok := b.Progress()
	if !ok {
		return false
	}
	c.rec.Progress = min(max(p, 0), 100)
	return true
}

func (c *Controller) takeUnsubLocked() stream.Unsubscribe {
	u := c.unsub
	c.unsub = nil
	return u
}

func (c *Controller) scheduleResetLocked() {
	c.stopResetTimerLocked()
	runID, seq := c.rec.RunID, c.seq
	c.resetTimer = time.AfterFunc(c.resetDelay, func() { c.autoReset(runID, seq) })
}

func (c *Controller) stopResetTimerLocked() {
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}

func (c *Controller) autoReset(runID string, seq uint64) {
	c.mu.Lock()
	if c.closed || c.loading || c.seq != seq || c.rec.RunID != runID {
		c.mu.Unlock()
		return
	}
	c.resetTimer = nil
	from := c.rec.State
	c.rec = idleRecord()
	c.seq++
	snap := c.rec.clone()
	c.mu.Unlock()

	c.render()
	c.observer.OnStateChange(from, Idle, snap)
}

func (c *Controller) render() {
	if c.renderer == nil {
		return
	}
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	c.renderer.Render(c.View())
}

// describe turns a request error into the text shown next to the controls.
func describe(err error) string {
	if errors.Is(err, transport.ErrConflict) {
		return ConflictMessage
	}
	var te *transport.TransportError
	if errors.As(err, &te) && te.Detail != "" {
		return te.Detail
	}
	return err.Error()
}

func isCancellation(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "cancel")
}
