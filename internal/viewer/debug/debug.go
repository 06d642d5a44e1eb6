// Package debug provides the viewer's event log panel. Consecutive repeats
// of the same event collapse into one line with a count, and the panel can be
// narrowed to a single event kind.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/native-helper/helper/internal/viewer/theme"
)

const maxEvents = 200

// Event kinds, in the order CycleFilter visits them.
const (
	KindWS      = "ws"
	KindMessage = "msg"
	KindControl = "ctl"
	KindError   = "err"
)

var filterOrder = []string{"", KindWS, KindMessage, KindControl, KindError}

// Event is one log line. Count > 1 means the same event arrived several times
// in a row; First and Last bound when.
type Event struct {
	First time.Time
	Last  time.Time
	Kind  string
	Text  string
	Count int
}

type EventLog struct {
	Events []Event
	filter string
	offset int // lines scrolled up from the newest visible event
}

func New() EventLog {
	return EventLog{}
}

// Add records an event and scrolls back to the newest line.
func (l *EventLog) Add(at time.Time, kind, text string) {
	if n := len(l.Events); n > 0 {
		last := &l.Events[n-1]
		if last.Kind == kind && last.Text == text {
			last.Count++
			last.Last = at
			l.offset = 0
			return
		}
	}
	l.Events = append(l.Events, Event{First: at, Last: at, Kind: kind, Text: text, Count: 1})
	if len(l.Events) > maxEvents {
		l.Events = l.Events[len(l.Events)-maxEvents:]
	}
	l.offset = 0
}

// Last returns the newest event regardless of the filter.
func (l *EventLog) Last() (Event, bool) {
	if len(l.Events) == 0 {
		return Event{}, false
	}
	return l.Events[len(l.Events)-1], true
}

// Errors counts error occurrences, repeats included.
func (l *EventLog) Errors() int {
	n := 0
	for _, e := range l.Events {
		if e.Kind == KindError {
			n += e.Count
		}
	}
	return n
}

// CycleFilter moves to the next kind filter, wrapping back to all kinds.
func (l *EventLog) CycleFilter() {
	for i, k := range filterOrder {
		if k == l.filter {
			l.filter = filterOrder[(i+1)%len(filterOrder)]
			break
		}
	}
	l.offset = 0
}

// Filter is the kind currently shown, or "" for all.
func (l *EventLog) Filter() string { return l.filter }

func (l *EventLog) visible() []Event {
	if l.filter == "" {
		return l.Events
	}
	out := make([]Event, 0, len(l.Events))
	for _, e := range l.Events {
		if e.Kind == l.filter {
			out = append(out, e)
		}
	}
	return out
}

func (l *EventLog) ScrollUp(n int) {
	l.offset = min(l.offset+n, max(len(l.visible())-1, 0))
}

func (l *EventLog) ScrollDown(n int) {
	l.offset = max(l.offset-n, 0)
}

func (l EventLog) View(width, height int) string {
	innerW := max(width-4, 20)
	rows := max(height-6, 3)

	filter := "all"
	if l.filter != "" {
		filter = l.filter
	}
	title := theme.StyleHeader.Render(" EVENT LOG ") + theme.StyleDimmed.Render(" showing "+filter)
	summary := fmt.Sprintf("f:filter  j/k:scroll  esc:close  %d events", len(l.Events))
	if errs := l.Errors(); errs > 0 {
		summary += lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(fmt.Sprintf("  %d errors", errs))
	}
	footer := theme.StyleDimmed.Render(summary)

	events := l.visible()
	if len(events) == 0 {
		body := theme.StyleDimmed.Render("  No events recorded yet.")
		if l.filter != "" {
			body = theme.StyleDimmed.Render("  No " + l.filter + " events.")
		}
		return frame(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", footer))
	}

	end := max(len(events)-l.offset, 0)
	start := max(end-rows, 0)

	lines := make([]string, 0, end-start)
	for _, e := range events[start:end] {
		lines = append(lines, line(e, innerW))
	}

	more := ""
	if l.offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", l.offset))
	}
	return frame(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, footer))
}

func line(e Event, width int) string {
	ts := theme.StyleDimmed.Render(e.Last.Format("15:04:05.000"))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(4).Render(e.Kind)

	text := e.Text
	suffix := ""
	if e.Count > 1 {
		suffix = fmt.Sprintf(" ×%d", e.Count)
	}
	if room := width - 20 - len(suffix); room > 3 && len(text) > room {
		text = text[:room-3] + "..."
	}
	return fmt.Sprintf("%s %s %s%s", ts, kind, text, theme.StyleDimmed.Render(suffix))
}

func frame(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

func kindColor(kind string) lipgloss.Color {
	switch kind {
	case KindWS:
		return theme.ColorStatus
	case KindMessage:
		return theme.ColorAnswer
	case KindControl:
		return theme.ColorAccent
	case KindError:
		return theme.ColorDanger
	default:
		return theme.ColorDimmed
	}
}
