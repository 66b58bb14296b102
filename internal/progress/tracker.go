package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

// Tracker follows a session's pipeline from its events and renders the
// overall progress for a terminal.
type Tracker struct {
	out       io.Writer
	steps     []stepState
	index     map[types.Step]int
	current   int
	startTime time.Time
	now       func() time.Time
	mu        sync.Mutex
}

type stepState struct {
	Name      types.Step
	Status    types.StepStatus
	Count     int
	StartTime time.Time
	EndTime   time.Time
}

// New tracks steps in pipeline order. Steps before from are counted as
// already done, which is where a resumed session starts.
func New(out io.Writer, steps []types.Step, from types.Step) *Tracker {
	t := &Tracker{
		out:       out,
		index:     make(map[types.Step]int, len(steps)),
		startTime: time.Now(),
		now:       time.Now,
	}
	done := from != ""
	for i, name := range steps {
		if name == from {
			done = false
		}
		st := stepState{Name: name}
		if done {
			st.Status = types.StepStatusSuccess
		}
		t.steps = append(t.steps, st)
		t.index[name] = i
	}
	return t
}

// Observe applies a step event and renders the progress line.
func (t *Tracker) Observe(event types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[event.Step]
	if !ok {
		return
	}
	switch event.Kind {
	case types.EventStepStarted:
		t.steps[i].Status = types.StepStatusRunning
		t.steps[i].StartTime = t.now()
		t.current = i
	case types.EventStepFinished:
		t.steps[i].Status = types.StepStatus(event.Status)
		t.steps[i].Count = event.Count
		t.steps[i].EndTime = t.now()
	default:
		return
	}
	fmt.Fprintln(t.out, t.line())
}

// Percent is the share of steps that reached a final status.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent()
}

func (t *Tracker) percent() int {
	if len(t.steps) == 0 {
		return 0
	}
	finished := 0
	for _, st := range t.steps {
		if st.Status != "" && st.Status != types.StepStatusRunning {
			finished++
		}
	}
	return finished * 100 / len(t.steps)
}

func (t *Tracker) line() string {
	const barWidth = 30
	pct := t.percent()
	filled := pct * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	st := t.steps[t.current]
	eta := "calculating..."
	elapsed := t.now().Sub(t.startTime)
	if pct > 0 && pct < 100 {
		remaining := elapsed*100/time.Duration(pct) - elapsed
		eta = formatDuration(remaining)
	}
	return fmt.Sprintf("[%s] %3d%% | %d/%d %s %s | ETA: %s",
		bar, pct, t.current+1, len(t.steps), st.Name, st.Status, eta)
}

// Summary writes one line per visited step with its outcome and duration.
func (t *Tracker) Summary() {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\nFinished in %s\n", formatDuration(t.now().Sub(t.startTime)))
	for _, st := range t.steps {
		if st.EndTime.IsZero() {
			continue
		}
		took := "-"
		if !st.StartTime.IsZero() {
			took = formatDuration(st.EndTime.Sub(st.StartTime))
		}
		fmt.Fprintf(t.out, "  %-28s %-9s %6d  %s\n", st.Name, st.Status, st.Count, took)
	}
}

// formatDuration formats a duration in human-readable form
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
