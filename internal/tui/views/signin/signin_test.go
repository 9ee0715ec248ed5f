package signin

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeText(m Model, s string) Model {
	for _, r := range s {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestSubmitEmitsCredentials(t *testing.T) {
	m := New()
	m = typeText(m, "shelter@petshop.test")
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd, "enter on email moves to password")

	m = typeText(m, "petshop")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.Pending)
	assert.Equal(t, SubmitMsg{Email: "shelter@petshop.test", Password: "petshop"}, cmd())
}

func TestSubmitRequiresBothFields(t *testing.T) {
	m := New()
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.NotEmpty(t, m.Err)
	assert.False(t, m.Pending)
}

func TestResetKeepsEmail(t *testing.T) {
	m := New()
	m = typeText(m, "a@b.c")
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = typeText(m, "secret")
	m.Err = "bad"
	m.Reset()

	assert.Equal(t, "a@b.c", m.email.Value())
	assert.Empty(t, m.password.Value())
	assert.Equal(t, 0, m.focus)
	assert.Empty(t, m.Err)
}

func TestViewShowsNotice(t *testing.T) {
	m := New()
	m.Notice = "Your account was deleted."
	assert.Contains(t, m.View(80), "Your account was deleted.")
	assert.NotContains(t, m.View(80), "secret")
}
