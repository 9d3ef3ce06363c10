// Package ui renders treelandd status for the terminal: lipgloss styles, a
// one-shot status report and a bubbletea live monitor.
package ui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	ColorPrimary   = lipgloss.Color("39")  // Bright blue
	ColorSecondary = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorInfo      = lipgloss.Color("86")  // Cyan

	ColorText   = lipgloss.Color("252")
	ColorSubtle = lipgloss.Color("241")
	ColorMuted  = lipgloss.Color("238")
)

var (
	SubtleStyle = lipgloss.NewStyle().Foreground(ColorSubtle)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1)

	SubheaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Background(ColorMuted).
			Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().Foreground(ColorSuccess)
	WarningStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	ErrorStyle   = lipgloss.NewStyle().Foreground(ColorError)
	InfoStyle    = lipgloss.NewStyle().Foreground(ColorInfo)

	SpinnerStyle = lipgloss.NewStyle().Foreground(ColorSecondary)

	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorPrimary)

	TableCellStyle = lipgloss.NewStyle().PaddingRight(2)

	ControlKeyStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	ControlDescStyle = lipgloss.NewStyle().Foreground(ColorText)
)

var (
	EnabledIndicator  = lipgloss.NewStyle().Foreground(ColorSuccess).Render("●")
	DisabledIndicator = lipgloss.NewStyle().Foreground(ColorError).Render("○")
	LockedIndicator   = lipgloss.NewStyle().Foreground(ColorWarning).Render("■")
)

var SpinnerDot = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconPrimary = "★"
)

func FormatStatus(ok bool, status string) string {
	indicator := DisabledIndicator
	if ok {
		indicator = EnabledIndicator
	}
	return indicator + " " + status
}

func FormatControl(key, desc string) string {
	return ControlKeyStyle.Render(key) + " " + ControlDescStyle.Render(desc)
}

func FormatSuccess(msg string) string {
	return SuccessStyle.Render(IconSuccess) + " " + msg
}

func FormatError(msg string) string {
	return ErrorStyle.Render(IconError) + " " + msg
}
