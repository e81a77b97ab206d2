package ui

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/roamline/tripd/internal/trip"
)

// Tests run with stdout piped, so output must come back unstyled.

func TestRenderPlainWithoutTerminal(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	for name, fn := range map[string]func(string) string{
		"RenderAccent": RenderAccent,
		"RenderPass":   RenderPass,
		"RenderWarn":   RenderWarn,
		"RenderErr":    RenderErr,
		"RenderMuted":  RenderMuted,
		"RenderBold":   RenderBold,
	} {
		if got := fn("✓"); got != "✓" {
			t.Errorf("%s(✓) = %q, want plain glyph", name, got)
		}
	}
}

func TestRenderStatusCoversAllStatuses(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	statuses := []trip.Status{
		trip.StatusPlanning,
		trip.StatusUpcoming,
		trip.StatusInProgress,
		trip.StatusCompleted,
		trip.StatusCanceled,
	}
	for _, s := range statuses {
		if got := RenderStatus(s); got != string(s) {
			t.Errorf("RenderStatus(%s) = %q, want the status name", s, got)
		}
	}

	if got := RenderStatus(trip.Status("weird")); got != "weird" {
		t.Errorf("RenderStatus(weird) = %q, want pass-through", got)
	}
}
