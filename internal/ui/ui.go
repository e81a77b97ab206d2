// Package ui centralizes terminal styling for the CLI. Output is plain
// when stdout is not a terminal or when NO_COLOR is set, so piped and
// scripted invocations stay clean.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/roamline/tripd/internal/trip"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func init() {
	if !colorAllowed() {
		DisableColor()
	}
}

func colorAllowed() bool {
	if termenv.EnvNoColor() {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// DisableColor forces plain output for the rest of the process. Wired
// to the --no-color flag.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderAccent styles s in the accent color used for progress markers.
func RenderAccent(s string) string {
	return accentStyle.Render(s)
}

// RenderPass styles s as a success marker.
func RenderPass(s string) string {
	return passStyle.Render(s)
}

// RenderWarn styles s as a warning marker.
func RenderWarn(s string) string {
	return warnStyle.Render(s)
}

// RenderErr styles s as a failure marker.
func RenderErr(s string) string {
	return errStyle.Render(s)
}

// RenderMuted styles s as secondary detail.
func RenderMuted(s string) string {
	return mutedStyle.Render(s)
}

// RenderBold styles s for emphasis.
func RenderBold(s string) string {
	return boldStyle.Render(s)
}

// RenderStatus colors a trip status for list output.
func RenderStatus(s trip.Status) string {
	switch s {
	case trip.StatusPlanning:
		return mutedStyle.Render(string(s))
	case trip.StatusUpcoming:
		return accentStyle.Render(string(s))
	case trip.StatusInProgress:
		return warnStyle.Render(string(s))
	case trip.StatusCompleted:
		return passStyle.Render(string(s))
	case trip.StatusCanceled:
		return errStyle.Render(string(s))
	default:
		return string(s)
	}
}
