package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"flow-studio/backend/internal/runcontrol"
	"flow-studio/backend/pkg/models"
)

// Renderer prints run control views and run facts to a terminal. It
// implements runcontrol.Renderer and is safe for concurrent use.
type Renderer struct {
	mu      sync.Mutex
	out     io.Writer
	json    bool
	last    string
	stopped bool

	badge  lipgloss.Style
	status map[runcontrol.State]lipgloss.Style
	muted  lipgloss.Style
	errorS lipgloss.Style
	title  lipgloss.Style
}

type viewLine struct {
	Type    string   `json:"type"`
	State   string   `json:"state"`
	Status  string   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Loading bool     `json:"loading,omitempty"`
	Actions []string `json:"actions"`
}

type factsLine struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// NewRenderer creates a Renderer writing to out in the given format.
func NewRenderer(out io.Writer, format string) *Renderer {
	lr := lipgloss.NewRenderer(out)
	color := func(c string) lipgloss.Style {
		return lr.NewStyle().Bold(true).Foreground(lipgloss.Color(c))
	}
	return &Renderer{
		out:   out,
		json:  format == "json",
		badge: lr.NewStyle().Width(11),
		status: map[runcontrol.State]lipgloss.Style{
			runcontrol.Idle:      color("#888888"),
			runcontrol.Pending:   color("#AAAAAA"),
			runcontrol.Running:   color("#5B8DEF"),
			runcontrol.Paused:    color("#E5C07B"),
			runcontrol.Completed: color("#98C379"),
			runcontrol.Failed:    color("#FF6B6B"),
			runcontrol.Stopped:   color("#C678DD"),
		},
		muted:  lr.NewStyle().Foreground(lipgloss.Color("#888888")),
		errorS: lr.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		title:  lr.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")),
	}
}

// Render prints v unless it repeats the previous line.
func (r *Renderer) Render(v runcontrol.View) {
	actions := viewActions(v)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	var line string
	if r.json {
		data, err := marshalLine(viewLine{
			Type: "view", State: string(v.State), Status: v.Status,
			Error: v.Error, Loading: v.Loading, Actions: actions,
		})
		if err != nil {
			return
		}
		line = data
	} else {
		style, ok := r.status[v.State]
		if !ok {
			style = r.muted
		}
		var b strings.Builder
		b.WriteString(r.badge.Render(style.Render(string(v.State))))
		b.WriteString(v.Status)
		// Failed already carries its error in the status text.
		if v.Error != "" && v.State != runcontrol.Failed {
			b.WriteString("  " + r.errorS.Render(v.Error))
		}
		if v.Loading {
			b.WriteString(r.muted.Render("  (working)"))
		} else if len(actions) > 0 {
			b.WriteString(r.muted.Render("  [" + strings.Join(actions, " ") + "]"))
		}
		line = b.String()
	}
	if line == r.last {
		return
	}
	r.last = line
	fmt.Fprintln(r.out, line)
}

// Review prints a boundary review.
func (r *Renderer) Review(review models.BoundaryReview) {
	if r.json {
		r.printJSON(factsLine{Type: "boundary_review", Data: review})
		return
	}
	text := fmt.Sprintf("boundary review: %d violations, %d assumptions, %d decisions",
		len(review.Violations), review.Assumptions, review.Decisions)
	for _, v := range review.Violations {
		text += "\n  - " + v
	}
	r.println(r.title.Render("facts") + " " + text)
}

// Inventory prints artifact counts per flow.
func (r *Renderer) Inventory(inv models.InventoryCounts) {
	if r.json {
		r.printJSON(factsLine{Type: "inventory", Data: inv})
		return
	}
	keys := make([]string, 0, len(inv.Artifacts))
	for k := range inv.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, inv.Artifacts[k]))
	}
	r.println(r.title.Render("facts") + fmt.Sprintf(" inventory: %d artifacts %s", inv.Total, r.muted.Render(strings.Join(parts, " "))))
}

// Note prints a free-form message in text mode.
func (r *Renderer) Note(msg string) {
	if r.json {
		return
	}
	r.println(r.muted.Render(msg))
}

// Stop drops every later write.
func (r *Renderer) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *Renderer) printJSON(v any) {
	line, err := marshalLine(v)
	if err != nil {
		return
	}
	r.println(line)
}

func (r *Renderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	fmt.Fprintln(r.out, s)
}

func viewActions(v runcontrol.View) []string {
	actions := []string{}
	if v.CanPause {
		actions = append(actions, "pause")
	}
	if v.CanResume {
		actions = append(actions, "resume")
	}
	if v.CanStop {
		actions = append(actions, "stop")
	}
	return actions
}
