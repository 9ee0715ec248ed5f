package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the bindings of the signed-in screen.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Tab      key.Binding
	Tab1     key.Binding
	Tab2     key.Binding
	Tab3     key.Binding
	Tab4     key.Binding
	Tab5     key.Binding
	Open     key.Binding
	Refresh  key.Binding
	EventLog key.Binding
	SignOut  key.Binding
	Escape   key.Binding
	Quit     key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev row"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next row"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "next list"),
		),
		Tab1: key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "products")),
		Tab2: key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "notifications")),
		Tab3: key.NewBinding(key.WithKeys("3"), key.WithHelp("3", "adoptions")),
		Tab4: key.NewBinding(key.WithKeys("4"), key.WithHelp("4", "users")),
		Tab5: key.NewBinding(key.WithKeys("5"), key.WithHelp("5", "community")),
		Open: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "details"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refetch"),
		),
		EventLog: key.NewBinding(
			key.WithKeys("l"),
			key.WithHelp("l", "event log"),
		),
		SignOut: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "sign out"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
