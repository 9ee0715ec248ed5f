// Package detail renders the flyout for the selected row. Content is built
// as markdown and rendered with glamour.
package detail

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/tui/theme"
)

const maxWidth = 72

var styleFooter = lipgloss.NewStyle().Foreground(theme.ColorDimmed)

// Model holds the overlay content and a renderer per wrap width.
type Model struct {
	Markdown string
	// Style is a glamour standard style name ("dark", "light", "notty").
	Style string

	renderers map[int]*glamour.TermRenderer
}

func New(style string) Model {
	if style == "" {
		style = "dark"
	}
	return Model{Style: style, renderers: make(map[int]*glamour.TermRenderer)}
}

func (m *Model) renderer(width int) (*glamour.TermRenderer, error) {
	if r, ok := m.renderers[width]; ok {
		return r, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(m.Style),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return nil, err
	}
	if m.renderers == nil {
		m.renderers = make(map[int]*glamour.TermRenderer)
	}
	m.renderers[width] = r
	return r, nil
}

// View renders the panel. Rendering failures fall back to the raw markdown.
func (m *Model) View(width int) string {
	if m.Markdown == "" {
		return ""
	}
	wrap := min(width-4, maxWidth)
	if wrap < 20 {
		wrap = 20
	}
	body := m.Markdown
	if r, err := m.renderer(wrap); err == nil {
		if out, err := r.Render(m.Markdown); err == nil {
			body = strings.TrimRight(out, "\n")
		}
	}
	return theme.Panel(wrap+4).Render(body + "\n" + styleFooter.Render("esc: close"))
}

func Product(p api.Product) string {
	return fmt.Sprintf("# %s\n\n| | |\n|---|---|\n| Price | %.2f |\n| Stock | %d |\n| Category | `%s` |\n\n_id: %s_\n",
		p.Name, p.Price, p.Stock, p.CategoryID, p.ID)
}

func Notification(n api.Notification) string {
	state := "unread"
	if n.Read {
		state = "read"
	}
	return fmt.Sprintf("# Notification\n\n%s\n\n_%s, %s_\n", n.Message, n.CreatedAt.Local().Format("Jan 2 15:04"), state)
}

func Adoption(a api.AdoptionRequest) string {
	return fmt.Sprintf("# Adoption of %s\n\n- **Status:** %s\n- **Adopter:** `%s`\n- **Shelter:** `%s`\n\n_id: %s_\n",
		a.PetName, a.Status, a.AdopterID, a.ShelterID, a.ID)
}

func User(u api.User) string {
	return fmt.Sprintf("# %s\n\n- **Email:** %s\n- **Role:** %s\n- **Status:** %s\n\n_id: %s_\n",
		u.Name, u.Email, u.Role, u.Status, u.ID)
}

func Event(e api.Event) string {
	return fmt.Sprintf("# %s\n\n%s at %s\n", e.Title, e.StartsAt.Local().Format("Mon Jan 2 15:04"), e.Location)
}

func Fundraiser(f api.Fundraiser) string {
	pct := 0.0
	if f.Goal > 0 {
		pct = f.Raised / f.Goal * 100
	}
	return fmt.Sprintf("# %s\n\n**%.2f** raised of %.2f (%.0f%%)\n", f.Title, f.Raised, f.Goal, pct)
}

func Donation(d api.Donation) string {
	return fmt.Sprintf("# Donation\n\n- **Amount:** %.2f\n- **Fundraiser:** `%s`\n- **Donor:** `%s`\n- **When:** %s\n",
		d.Amount, d.FundraiserID, d.DonorID, d.CreatedAt.Local().Format("Jan 2 15:04"))
}
