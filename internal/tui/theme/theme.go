// Package theme provides the Lip Gloss palette and shared styles for the
// terminal client. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Role colors.
var (
	ColorAdopter = lipgloss.Color("#22c55e")
	ColorShelter = lipgloss.Color("#f59e0b")
	ColorSeller  = lipgloss.Color("#3b82f6")
	ColorAdmin   = lipgloss.Color("#a855f7")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// Adoption and account status colors.
var (
	ColorPending  = lipgloss.Color("#d97706")
	ColorApproved = lipgloss.Color("#16a34a")
	ColorRejected = lipgloss.Color("#dc2626")
	ColorBlocked  = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorAccent  = lipgloss.Color("#2563eb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleActive = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Underline(true)
	StyleError  = lipgloss.NewStyle().Foreground(ColorDanger)
	StyleInfo   = lipgloss.NewStyle().Foreground(ColorHealthy)
)

// RoleColor returns the badge color for a role name.
func RoleColor(role string) lipgloss.Color {
	switch role {
	case "adopter":
		return ColorAdopter
	case "shelter":
		return ColorShelter
	case "seller":
		return ColorSeller
	case "admin":
		return ColorAdmin
	}
	return ColorDefault
}

// StatusColor covers both adoption request and account statuses.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "pending":
		return ColorPending
	case "approved", "active":
		return ColorApproved
	case "rejected":
		return ColorRejected
	case "blocked":
		return ColorBlocked
	}
	return ColorDefault
}

// Panel is the bordered box used by overlays and the sign-in screen.
func Panel(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder)
}
