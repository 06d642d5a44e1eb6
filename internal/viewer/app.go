// Package viewer is a terminal overlay viewer: it subscribes to the helper's
// overlay feed and shows each message until its TTL elapses.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/native-helper/helper/internal/control"
	"github.com/native-helper/helper/internal/overlay"
	"github.com/native-helper/helper/internal/viewer/client"
	"github.com/native-helper/helper/internal/viewer/debug"
	"github.com/native-helper/helper/internal/viewer/theme"
)

const (
	tickInterval   = 250 * time.Millisecond
	statusInterval = 2 * time.Second
	requestTimeout = 3 * time.Second
)

type tickMsg time.Time

type snapshotMsg struct {
	messages []overlay.Message
	err      error
}

type statusMsg struct {
	status *control.StatusResponse
	err    error
}

type stopResultMsg struct{ err error }

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	keys   KeyMap
	help   help.Model
	width  int
	height int

	feed    Feed
	log     debug.EventLog
	showLog bool

	connected bool
	status    *control.StatusResponse
	statusErr string

	renderer *glamour.TermRenderer
}

func New(ws *client.WSClient, http *client.HTTPClient) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:       ws,
		http:     http,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		log:      debug.New(),
		renderer: newRenderer(80),
	}
}

// newRenderer returns nil when glamour cannot be set up; answers then render
// as plain text.
func newRenderer(wrap int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return nil
	}
	return r
}

// Init loads the retained messages, starts the WebSocket connection and the
// expiry ticker.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchSnapshot(), m.pollStatus(0), tick()}
	if m.ws != nil {
		cmds = append(cmds, m.ws.Listen(m.ctx))
	}
	return tea.Batch(cmds...)
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetchSnapshot() tea.Cmd {
	if m.http == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		msgs, err := m.http.Messages(ctx)
		return snapshotMsg{messages: msgs, err: err}
	}
}

func (m Model) pollStatus(after time.Duration) tea.Cmd {
	if m.http == nil {
		return nil
	}
	fetch := func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		st, err := m.http.Status(ctx)
		return statusMsg{status: st, err: err}
	}
	if after <= 0 {
		return fetch
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetch() })
}

func (m Model) stopSession() tea.Cmd {
	if m.http == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		return stopResultMsg{err: m.http.StopSession(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	now := m.now()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.renderer = newRenderer(max(msg.Width-16, 20))
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.feed.Prune(time.Time(msg))
		return m, tick()

	case client.WSConnectedMsg:
		m.connected = true
		// The server replays every live retained message on subscribe.
		m.feed.DropRetained()
		m.log.Add(now, debug.KindWS, "connected")
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.log.Add(now, debug.KindError, fmt.Sprintf("disconnected: %v", msg.Err))
		return m, m.ws.Listen(m.ctx)

	case client.OverlayMsg:
		m.feed.Add(msg.Message, now)
		m.log.Add(now, debug.KindMessage, fmt.Sprintf("%s: %s", msg.Message.Kind(), firstLine(msg.Message.Content())))
		return m, m.ws.ReadLoop(m.ctx)

	case snapshotMsg:
		if msg.err != nil {
			m.log.Add(now, debug.KindError, fmt.Sprintf("load retained messages: %v", msg.err))
			return m, nil
		}
		if !m.connected {
			for _, om := range msg.messages {
				m.feed.Add(om, now)
			}
		}
		m.log.Add(now, debug.KindWS, fmt.Sprintf("loaded %d retained messages", len(msg.messages)))
		return m, nil

	case statusMsg:
		if errors.Is(msg.err, client.ErrNoControl) {
			return m, nil
		}
		if msg.err != nil {
			if e := msg.err.Error(); e != m.statusErr {
				m.statusErr = e
				m.log.Add(now, debug.KindError, "status: "+e)
			}
			m.status = nil
		} else {
			m.status = msg.status
			m.statusErr = ""
		}
		return m, m.pollStatus(statusInterval)

	case stopResultMsg:
		if msg.err != nil {
			m.log.Add(now, debug.KindError, fmt.Sprintf("stop session: %v", msg.err))
			return m, nil
		}
		m.log.Add(now, debug.KindControl, "session stopped")
		return m, m.pollStatus(0)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		if m.ws != nil {
			m.ws.Close()
		}
		return m, tea.Quit
	}

	if m.showLog {
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Log):
			m.showLog = false
		case key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		case key.Matches(msg, m.keys.Filter):
			m.log.CycleFilter()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Log):
		m.showLog = true
	case key.Matches(msg, m.keys.Clear):
		m.feed.Clear()
	case key.Matches(msg, m.keys.Stop):
		m.log.Add(m.now(), debug.KindControl, "stop requested")
		return m, m.stopSession()
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := m.feedView()
	if m.showLog {
		body = m.log.View(m.width, m.height-4)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar(),
		body,
		" "+m.help.View(m.keys),
	)
}

func (m Model) statusBar() string {
	width := max(m.width, 40)
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")

	var parts []string
	if m.connected {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected"))
	} else {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting..."))
	}

	if st := m.status; st != nil {
		sess := st.Session.State.String()
		if st.Session.SessionID != "" {
			sess += " " + st.Session.SessionID
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.HealthColor(st.Session.State.String())).Render("session "+sess))
		if st.Capture != nil {
			c := string(st.Capture.Status)
			parts = append(parts, lipgloss.NewStyle().Foreground(theme.HealthColor(c)).Render("capture "+c))
		}
		if st.Hub != nil {
			parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf("%d viewers", st.Hub.Subscribers)))
		}
	}
	parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf("%d on screen", m.feed.Len())))

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.Join(parts, sep))
}

func (m Model) feedView() string {
	entries := m.feed.Entries()
	if len(entries) == 0 {
		text := "  Waiting for overlay messages..."
		if !m.connected {
			text = "  Overlay server unreachable, reconnecting..."
		}
		return theme.StyleDimmed.Render(text)
	}

	if limit := max(m.height-8, 3); len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	now := m.now()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line := theme.KindBadge(e.Message.Kind()) + " " + m.renderContent(e.Message)
		if exp, ok := e.ExpiresAt(); ok {
			left := max(exp.Sub(now), 0).Round(time.Second)
			line += theme.StyleDimmed.Render(fmt.Sprintf("  %s", left))
		}
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderContent(msg overlay.Message) string {
	content := msg.Content()
	if msg.Kind() == overlay.KindAnswer && m.renderer != nil {
		if out, err := m.renderer.Render(content); err == nil {
			return strings.Trim(out, "\n")
		}
	}
	return lipgloss.NewStyle().Foreground(theme.KindColor(msg.Kind())).Render(content)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
