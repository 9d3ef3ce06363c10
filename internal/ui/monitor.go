package ui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
)

// StatusSource is what the monitor polls. ipc.Client satisfies it.
type StatusSource interface {
	Status(ctx context.Context) (*ipc.Status, error)
	SetEnabled(ctx context.Context, enabled bool) error
}

type statusMsg struct {
	status *ipc.Status
	err    error
}

type tickMsg time.Time

// MonitorModel is a live view of the daemon, refreshed every interval.
type MonitorModel struct {
	source   StatusSource
	interval time.Duration
	now      func() time.Time

	status   *ipc.Status
	err      error
	updated  time.Time
	viewport viewport.Model
	spinner  spinner.Model
	ready    bool
}

func NewMonitorModel(source StatusSource, interval time.Duration) *MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Spinner{Frames: SpinnerDot, FPS: time.Second / 10}
	s.Style = SpinnerStyle
	if interval <= 0 {
		interval = time.Second
	}
	return &MonitorModel{source: source, interval: interval, now: time.Now, spinner: s}
}

func (m *MonitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch)
}

func (m *MonitorModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	st, err := m.source.Status(ctx)
	return statusMsg{status: st, err: err}
}

func (m *MonitorModel) toggle(enabled bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		if err := m.source.SetEnabled(ctx, enabled); err != nil {
			return statusMsg{status: m.status, err: err}
		}
		return m.fetch()
	}
}

func (m *MonitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch
		case "e":
			if m.status != nil && len(m.status.Sockets) > 0 {
				return m, m.toggle(!m.status.Sockets[0].Enabled)
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		const chrome = 4
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-chrome)
			m.viewport.YPosition = 2
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - chrome
		}
		m.refreshContent()

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.updated = m.now()
		}
		m.refreshContent()
		return m, m.tick()

	case tickMsg:
		return m, m.fetch

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *MonitorModel) refreshContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.content())
}

func (m *MonitorModel) content() string {
	if m.status == nil {
		if m.err != nil {
			return FormatError(m.err.Error())
		}
		return SubtleStyle.Render("waiting for treelandd…")
	}
	return RenderStatus(m.status, m.now())
}

func (m *MonitorModel) View() string {
	var b strings.Builder
	state := m.spinner.View() + " live"
	if !m.updated.IsZero() {
		state += SubtleStyle.Render("  updated " + m.updated.Format("15:04:05"))
	}
	if m.err != nil {
		state = ErrorStyle.Render(IconError + " " + m.err.Error())
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, TitleStyle.Render("treelandd monitor"), "  ", state))
	b.WriteString("\n\n")
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.content())
	}
	b.WriteString("\n")
	b.WriteString(strings.Join([]string{
		FormatControl("q", "quit"),
		FormatControl("r", "refresh"),
		FormatControl("e", "toggle socket"),
		FormatControl("↑/↓", "scroll"),
	}, "  "))
	return b.String()
}

// Status is the last snapshot received, if any.
func (m *MonitorModel) Status() *ipc.Status {
	return m.status
}

// Err is the error of the last poll.
func (m *MonitorModel) Err() error {
	return m.err
}

// RunMonitor runs the monitor full screen until the user quits.
func RunMonitor(source StatusSource, interval time.Duration) error {
	_, err := tea.NewProgram(NewMonitorModel(source, interval), tea.WithAltScreen()).Run()
	return err
}
