package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"flow-studio/backend/internal/facts"
	"flow-studio/backend/internal/runcontrol"
	"flow-studio/backend/internal/stream"
	"flow-studio/backend/pkg/models"
)

// RunStartOptions holds flags for run start.
type RunStartOptions struct {
	*RootOptions
	Flows     []string
	Lifecycle bool
	Plan      string
	Watch     bool
}

// NewRunCommand creates the run command group.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start, watch and control pipeline runs",
	}
	cmd.AddCommand(newRunStartCommand(rootOpts))
	cmd.AddCommand(newRunAttachCommand(rootOpts))
	cmd.AddCommand(newRunWatchCommand(rootOpts))
	cmd.AddCommand(newRunActionCommand(rootOpts, "pause", "Pause a running run", (*runcontrol.Controller).Pause))
	cmd.AddCommand(newRunActionCommand(rootOpts, "resume", "Resume a paused run", (*runcontrol.Controller).Resume))
	cmd.AddCommand(newRunActionCommand(rootOpts, "stop", "Stop a running or paused run", (*runcontrol.Controller).Stop))
	return cmd
}

func newRunStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunStartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start [flow-id]",
		Short: "Start a run",
		Long: `Start a run of one flow, or an autopilot run over several flows.

Example:
  flowstudio run start signal --watch
  flowstudio run start --flows signal,plan,build --watch
  flowstudio run start --lifecycle --plan release-42`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flowID := ""
			if len(args) == 1 {
				flowID = args[0]
			}
			if opts.Lifecycle {
				opts.Flows = append([]string{}, models.LifecycleFlows...)
			}
			if flowID == "" && len(opts.Flows) == 0 {
				return NewExitError(ExitCommandError, "a flow id or --flows is required")
			}
			return runStart(opts, cmd, flowID)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Flows, "flows", nil, "flows to run in order (autopilot)")
	cmd.Flags().BoolVar(&opts.Lifecycle, "lifecycle", false, "run every lifecycle flow from signal to wisdom")
	cmd.Flags().StringVar(&opts.Plan, "plan", "", "plan ID for an autopilot run")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "follow the run until it ends")

	return cmd
}

func runStart(opts *RunStartOptions, cmd *cobra.Command, flowID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newRunSession(opts.RootOptions, cmd)
	defer s.close()

	err := s.ctrl.Start(ctx, flowID, runcontrol.StartOptions{FlowKeys: opts.Flows, PlanID: opts.Plan})
	if err != nil {
		return s.actionError("start", err)
	}
	s.renderer.Note("run " + s.ctrl.Snapshot().RunID)
	if !opts.Watch {
		return nil
	}
	return s.wait(ctx)
}

func newRunAttachCommand(opts *RootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "attach <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(opts, cmd, args[0], watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it ends")
	return cmd
}

func newRunWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's events until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(opts, cmd, args[0], true)
		},
	}
}

func runAttach(opts *RootOptions, cmd *cobra.Command, runID string, watch bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newRunSession(opts, cmd)
	defer s.close()

	if err := s.ctrl.Attach(ctx, runID); err != nil {
		return s.actionError("attach", err)
	}
	if !watch {
		return nil
	}
	return s.wait(ctx)
}

func newRunActionCommand(opts *RootOptions, name, short string, action func(*runcontrol.Controller, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s := newRunSession(opts, cmd)
			defer s.close()

			if err := s.ctrl.Attach(ctx, args[0]); err != nil {
				return s.actionError("attach", err)
			}
			if err := action(s.ctrl, ctx); err != nil {
				return s.actionError(name, err)
			}
			return nil
		},
	}
}

// runSession wires one controller to the terminal for the life of a command.
type runSession struct {
	opts     *RootOptions
	cmd      *cobra.Command
	ctrl     *runcontrol.Controller
	sub      *stream.Subscriber
	renderer *Renderer
	watcher  *watcher
	cancel   context.CancelFunc
}

func newRunSession(opts *RootOptions, cmd *cobra.Command) *runSession {
	ctx, cancel := context.WithCancel(cmd.Context())
	client := opts.client()
	renderer := NewRenderer(cmd.OutOrStdout(), opts.Format)

	refresher := facts.NewRefresher(ctx, facts.NewLoader(client, opts.metrics), opts.logger)
	refresher.OnReview = renderer.Review
	refresher.OnInventory = renderer.Inventory
	w := &watcher{Refresher: refresher, renderer: renderer, done: make(chan struct{})}

	sub := opts.subscriber()
	ctrl := runcontrol.New(client, sub, runcontrol.Options{
		Observer:         w,
		Renderer:         renderer,
		Logger:           opts.logger.With("component", "runcontrol"),
		CancelResetDelay: opts.cfg.Client.CancelResetDelay,
	})

	return &runSession{opts: opts, cmd: cmd, ctrl: ctrl, sub: sub, renderer: renderer, watcher: w, cancel: cancel}
}

// wait blocks until the run ends or ctx is cancelled.
func (s *runSession) wait(ctx context.Context) error {
	if !s.ctrl.Snapshot().State.Terminal() {
		select {
		case <-s.watcher.done:
		case <-ctx.Done():
			s.renderer.Note("detached; the run continues on the server")
			return nil
		}
	}
	rec := s.ctrl.Snapshot()
	if rec.State == runcontrol.Failed {
		return NewExitError(ExitFailure, "run failed: "+rec.Error)
	}
	return nil
}

func (s *runSession) actionError(action string, err error) error {
	out, errOut := s.cmd.OutOrStdout(), s.cmd.ErrOrStderr()
	switch {
	case errors.Is(err, runcontrol.ErrNotAllowed):
		rec := s.ctrl.Snapshot()
		return WrapExitError(ExitCommandError, fmt.Sprintf("cannot %s a %s run", action, rec.State), err)
	case errors.Is(err, runcontrol.ErrBusy):
		return WrapExitError(ExitCommandError, action, err)
	}
	what := "run"
	if id := s.ctrl.Snapshot().RunID; id != "" {
		what = "run " + id
	}
	return requestError(s.opts, out, errOut, what, err)
}

func (s *runSession) close() {
	_ = s.ctrl.Close()
	s.sub.Close()
	s.cancel()
	s.renderer.Stop()
}

// watcher ends a watch when the run reaches a terminal state and reports
// flow progress; run facts are refreshed by the embedded Refresher.
type watcher struct {
	*facts.Refresher
	renderer *Renderer

	once sync.Once
	done chan struct{}
}

func (w *watcher) OnFlowCompleted(flowKey string, rec runcontrol.Record) {
	msg := "flow " + flowKey + " completed"
	if rec.Autopilot && len(rec.FlowKeys) > 0 {
		msg += fmt.Sprintf(" (%s)", progressOf(rec))
	}
	w.renderer.Note(msg)
}

func (w *watcher) OnRunComplete(runcontrol.Record) { w.finish() }
func (w *watcher) OnRunFailed(runcontrol.Record)   { w.finish() }
func (w *watcher) OnRunStopped(runcontrol.Record)  { w.finish() }

func (w *watcher) finish() {
	w.once.Do(func() { close(w.done) })
}

// progressOf lists the autopilot flows with the completed ones marked.
func progressOf(rec runcontrol.Record) string {
	done := make(map[string]bool, len(rec.CompletedFlows))
	for _, k := range rec.CompletedFlows {
		done[k] = true
	}
	parts := make([]string, 0, len(rec.FlowKeys))
	for _, k := range rec.FlowKeys {
		if done[k] {
			parts = append(parts, k+"✓")
		} else {
			parts = append(parts, k)
		}
	}
	return strings.Join(parts, " ")
}
