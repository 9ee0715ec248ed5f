// Package signin is the credential form shown while no session is live.
package signin

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/petshop/pulse/internal/tui/theme"
)

// SubmitMsg is emitted when the user confirms the form.
type SubmitMsg struct {
	Email    string
	Password string
}

type Model struct {
	email    textinput.Model
	password textinput.Model
	focus    int

	// Notice is shown above the form, e.g. why the session ended.
	Notice string
	// Err is shown below the form after a failed attempt.
	Err     string
	Pending bool
}

var (
	nextField = key.NewBinding(key.WithKeys("tab", "down"))
	prevField = key.NewBinding(key.WithKeys("shift+tab", "up"))
	submit    = key.NewBinding(key.WithKeys("enter"))
)

func New() Model {
	email := textinput.New()
	email.Placeholder = "you@example.com"
	email.Prompt = "Email    "
	email.CharLimit = 128
	email.Focus()

	password := textinput.New()
	password.Placeholder = "password"
	password.Prompt = "Password "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 128

	return Model{email: email, password: password}
}

// Reset clears the password and focuses the email field, keeping the email
// for convenience.
func (m *Model) Reset() {
	m.password.SetValue("")
	m.focus = 0
	m.email.Focus()
	m.password.Blur()
	m.Err = ""
	m.Pending = false
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if km, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(km, submit):
			if m.focus == 0 {
				m.setFocus(1)
				return m, nil
			}
			email := strings.TrimSpace(m.email.Value())
			if email == "" || m.password.Value() == "" {
				m.Err = "email and password are required"
				return m, nil
			}
			m.Err = ""
			m.Pending = true
			out := SubmitMsg{Email: email, Password: m.password.Value()}
			return m, func() tea.Msg { return out }
		case key.Matches(km, nextField, prevField):
			m.setFocus(1 - m.focus)
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.focus == 0 {
		m.email, cmd = m.email.Update(msg)
	} else {
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func (m *Model) setFocus(i int) {
	m.focus = i
	if i == 0 {
		m.email.Focus()
		m.password.Blur()
	} else {
		m.password.Focus()
		m.email.Blur()
	}
}

func (m Model) View(width int) string {
	innerW := width - 4
	if innerW > 60 {
		innerW = 60
	}
	if innerW < 30 {
		innerW = 30
	}

	lines := []string{theme.StyleHeader.Render(" SIGN IN "), ""}
	if m.Notice != "" {
		lines = append(lines, theme.StyleInfo.Render(m.Notice), "")
	}
	lines = append(lines, m.email.View(), m.password.View(), "")
	switch {
	case m.Pending:
		lines = append(lines, theme.StyleDimmed.Render("Signing in..."))
	case m.Err != "":
		lines = append(lines, theme.StyleError.Render(m.Err))
	}
	lines = append(lines, theme.StyleDimmed.Render("tab:next field  enter:submit  ctrl+c:quit"))
	return theme.Panel(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
