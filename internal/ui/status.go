package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/linuxdeepin/treeland-sub002/internal/ipc"
)

// RenderStatus formats a daemon snapshot. now is used for the uptime.
func RenderStatus(st *ipc.Status, now time.Time) string {
	var sections []string

	header := TitleStyle.Render("treelandd")
	if st.Version != "" {
		header += " " + SubtleStyle.Render(st.Version)
	}
	if !st.StartedAt.IsZero() {
		header += SubtleStyle.Render("  up " + now.Sub(st.StartedAt).Round(time.Second).String())
	}
	sections = append(sections, header)

	sections = append(sections, section("Sockets", renderSockets(st.Sockets)))
	sections = append(sections, section("Session", renderSession(st)))
	sections = append(sections, section("Outputs", renderOutputs(st)))
	if len(st.Clients) > 0 {
		sections = append(sections, section(fmt.Sprintf("Clients (%d)", len(st.Clients)), renderClients(st.Clients)))
	}
	sections = append(sections, section(fmt.Sprintf("Toplevels (%d)", len(st.Toplevels)), renderToplevels(st.Toplevels)))
	if len(st.Wallpapers) > 0 {
		sections = append(sections, section("Wallpapers", renderWallpapers(st.Wallpapers)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func section(title, body string) string {
	return SubheaderStyle.Render(title) + "\n" + body + "\n"
}

func renderSockets(sockets []ipc.SocketStatus) string {
	if len(sockets) == 0 {
		return MutedStyle.Render("  none")
	}
	var b strings.Builder
	for _, s := range sockets {
		state := "disabled"
		if s.Enabled {
			state = "enabled"
		}
		line := fmt.Sprintf("%s %s", BoldStyle.Render(s.Name), SubtleStyle.Render(s.Path))
		fmt.Fprintf(&b, "  %s  %s, %d client(s)\n", FormatStatus(s.Enabled, line), state, s.Clients)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSession(st *ipc.Status) string {
	lock := FormatStatus(true, "unlocked")
	if st.Locked {
		lock = LockedIndicator + " " + WarningStyle.Render("locked")
	}
	active := st.ActiveSession
	if active == "" {
		active = "none"
	}
	return fmt.Sprintf("  %s\n  shortcut session: %s", lock, active)
}

func renderOutputs(st *ipc.Status) string {
	if len(st.Outputs) == 0 {
		return MutedStyle.Render("  none")
	}
	var lines []string
	for _, name := range st.Outputs {
		line := "  " + name
		if name == st.PrimaryOutput {
			line = "  " + InfoStyle.Render(IconPrimary+" "+name) + SubtleStyle.Render(" (primary)")
		}
		lines = append(lines, line)
	}
	for _, g := range st.VirtualOutputs {
		lines = append(lines, fmt.Sprintf("  %s %s", BoldStyle.Render(g.Name), SubtleStyle.Render("mirrors "+strings.Join(g.Outputs, ", "))))
	}
	return strings.Join(lines, "\n")
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(SubtleStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})
}

func renderClients(clients []ipc.ClientStatus) string {
	t := newTable("ID", "PID", "UID", "SOCKET", "STATE")
	for _, c := range clients {
		state := "running"
		if c.Frozen {
			state = "frozen"
		}
		t.Row(strconv.FormatUint(c.ID, 10), strconv.Itoa(c.PID), strconv.Itoa(c.UID), c.Socket, state)
	}
	return t.Render()
}

func renderToplevels(toplevels []ipc.ToplevelStatus) string {
	if len(toplevels) == 0 {
		return MutedStyle.Render("  none")
	}
	t := newTable("ID", "APP", "TITLE", "PID", "STATE")
	for _, h := range toplevels {
		t.Row(strconv.FormatUint(uint64(h.Identifier), 10), h.AppID, truncate(h.Title, 40), strconv.FormatUint(uint64(h.PID), 10), strings.Join(h.States, ","))
	}
	return t.Render()
}

func renderWallpapers(ws []ipc.WallpaperStatus) string {
	t := newTable("UID", "OUTPUT", "ROLE", "SOURCE")
	for _, w := range ws {
		t.Row(strconv.Itoa(w.UID), w.Output, w.Role, w.Source)
	}
	return t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
