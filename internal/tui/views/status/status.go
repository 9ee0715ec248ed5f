package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/petshop/pulse/internal/session"
	"github.com/petshop/pulse/internal/transport"
	"github.com/petshop/pulse/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Conn     transport.State
	Session  session.Session
	SignedIn bool
	Width    int
}

func New() Model {
	return Model{Conn: transport.StateIdle}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connIndicator(m.Conn)
	if m.SignedIn {
		role := m.Session.Role.String()
		content += sep + lipgloss.NewStyle().Foreground(theme.RoleColor(role)).Render(fmt.Sprintf("%s (%s)", m.Session.UserID, role))
		st := m.Session.Status.String()
		content += sep + lipgloss.NewStyle().Foreground(theme.StatusColor(st)).Render(st)
	} else {
		content += sep + theme.StyleDimmed.Render("signed out")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func connIndicator(s transport.State) string {
	switch s {
	case transport.StateConnected:
		return lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Live")
	case transport.StateConnecting, transport.StateReconnecting:
		return lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ " + capitalize(s.String()) + "...")
	case transport.StateFailed:
		return lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("✗ Offline")
	}
	return theme.StyleDimmed.Render("○ Idle")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
