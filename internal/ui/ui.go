// Package ui provides terminal rendering helpers for the pindrop CLI.
//
// Styles degrade automatically on dumb terminals: when the terminal
// reports no color support, all helpers return their input unstyled.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var colorEnabled = termenv.EnvColorProfile() != termenv.Ascii

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func render(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

// RenderAccent renders s in the accent color for headings and progress
// markers.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass renders s in the success color.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn renders s in the warning color.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail renders s in the failure color.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderDim renders s dimmed, for secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderHeader renders s as a section header.
func RenderHeader(s string) string { return render(headerStyle, s) }

// Disposition returns a styled label for a pin disposition.
func Disposition(d string) string {
	switch d {
	case "signed":
		return RenderPass(d)
	case "do-not-contact":
		return RenderFail(d)
	case "not-home", "appointment":
		return RenderWarn(d)
	default:
		return RenderDim(d)
	}
}

// SyncBadge returns a styled synced/pending marker.
func SyncBadge(synced bool) string {
	if synced {
		return RenderPass("synced")
	}
	return RenderWarn("pending")
}
