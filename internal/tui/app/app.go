// Package app is the root Bubble Tea model of the terminal client. It signs
// in, mounts live lists for the session's role and reacts to the session
// guard's toasts and navigation.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/petshop/pulse/internal/api"
	"github.com/petshop/pulse/internal/auth"
	"github.com/petshop/pulse/internal/bus"
	"github.com/petshop/pulse/internal/config"
	"github.com/petshop/pulse/internal/guard"
	"github.com/petshop/pulse/internal/logging"
	"github.com/petshop/pulse/internal/metrics"
	"github.com/petshop/pulse/internal/protocol"
	"github.com/petshop/pulse/internal/session"
	"github.com/petshop/pulse/internal/transport"
	"github.com/petshop/pulse/internal/tui/theme"
	"github.com/petshop/pulse/internal/tui/views/detail"
	"github.com/petshop/pulse/internal/tui/views/eventlog"
	"github.com/petshop/pulse/internal/tui/views/signin"
	"github.com/petshop/pulse/internal/tui/views/status"
)

const toastTTL = 5 * time.Second

type (
	ToastMsg struct {
		Kind guard.ToastKind
		Text string
	}
	NavigateMsg struct {
		Path    string
		Replace bool
	}
	ConnStateMsg struct{ State transport.State }
	SessionMsg   struct{ Change session.Change }
	EventMsg     struct{ Event protocol.Event }

	signedInMsg     struct{ resp *api.SignInResponse }
	signInFailedMsg struct{ err error }
	toastExpiredMsg struct{ id int }
	mountedMsg      struct {
		feeds *feeds
		subs  []*bus.Subscription
		err   error
	}
)

type Screen int

const (
	ScreenSignIn Screen = iota
	ScreenHome
)

type Tab int

const (
	TabProducts Tab = iota
	TabNotifications
	TabAdoptions
	TabUsers
	TabCommunity
)

var tabNames = []string{"Products", "Notifications", "Adoptions", "Users", "Community"}

// Deps are the long-lived services the model drives.
type Deps struct {
	Store      *session.Store
	Bus        *bus.Bus
	API        *api.Client
	Bridge     *Bridge
	Refetch    config.RefetchConfig
	SignInPath string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type toast struct {
	id   int
	kind guard.ToastKind
	text string
}

// Model is the root Bubble Tea model.
type Model struct {
	deps   Deps
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	screen     Screen
	tab        Tab
	selected   int
	showLog    bool
	showDetail bool
	statusBar  status.Model
	signin     signin.Model
	events     eventlog.Model
	detail     detail.Model

	toast    *toast
	toastSeq int

	identity string
	gen      int
	feeds    *feeds
	logSubs  []*bus.Subscription

	products      []api.Product
	notifications []api.Notification
	adoptions     []api.AdoptionRequest
	users         []api.User
	community     Community
}

func New(d Deps) Model {
	if d.SignInPath == "" {
		d.SignInPath = guard.DefaultSignInPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		deps:      d,
		log:       logging.OrNop(d.Logger).Named("tui"),
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		signin:    signin.New(),
		events:    eventlog.New(),
		detail:    detail.New("dark"),
	}
}

// Init reports the session that was live at startup.
func (m Model) Init() tea.Cmd {
	store := m.deps.Store
	return func() tea.Msg {
		sess, epoch, ok := store.Snapshot()
		return SessionMsg{Change: session.Change{Session: sess, Active: ok, Epoch: epoch}}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if m.screen == ScreenSignIn {
			if msg.String() == "ctrl+c" {
				return m.quit()
			}
			var cmd tea.Cmd
			m.signin, cmd = m.signin.Update(msg)
			return m, cmd
		}
		return m.handleKey(msg)

	case signin.SubmitMsg:
		return m, m.signInCmd(msg)

	case signedInMsg:
		m.signin.Pending = false
		sess, err := auth.SessionFromToken(msg.resp.Token)
		if err != nil {
			m.signin.Err = err.Error()
			return m, nil
		}
		m.deps.Store.Set(sess)
		m.events.Add(eventlog.KindAuth, "signed in as "+sess.UserID)
		return m, nil

	case signInFailedMsg:
		m.signin.Pending = false
		m.signin.Err = msg.err.Error()
		if api.IsUnauthorized(msg.err) {
			m.signin.Err = "invalid email or password"
		}
		return m, nil

	case SessionMsg:
		return m.onSession(msg.Change)

	case mountedMsg:
		if m.feeds != msg.feeds {
			// The session ended while mounting.
			msg.feeds.unmount()
			for _, s := range msg.subs {
				s.Close()
			}
			return m, nil
		}
		m.logSubs = msg.subs
		if msg.err != nil {
			m.events.Add(eventlog.KindError, msg.err.Error())
		}
		return m, nil

	case ConnStateMsg:
		m.statusBar.Conn = msg.State
		m.events.Add(eventlog.KindConn, msg.State.String())
		return m, nil

	case EventMsg:
		m.events.Add(eventlog.KindEvent, describe(msg.Event))
		return m, nil

	case ProductsMsg:
		if msg.Gen == m.gen {
			m.products = msg.Items
			m.clampSelection()
		}
		return m, nil
	case NotificationsMsg:
		if msg.Gen == m.gen {
			m.notifications = msg.Items
			m.clampSelection()
		}
		return m, nil
	case AdoptionsMsg:
		if msg.Gen == m.gen {
			m.adoptions = msg.Items
			m.clampSelection()
		}
		return m, nil
	case UsersMsg:
		if msg.Gen == m.gen {
			m.users = msg.Items
			m.clampSelection()
		}
		return m, nil
	case CommunityMsg:
		if msg.Gen == m.gen {
			m.community = msg.Value
			m.clampSelection()
		}
		return m, nil
	case FeedErrorMsg:
		if msg.Gen == m.gen {
			m.events.Add(eventlog.KindError, msg.Err.Error())
		}
		return m, nil

	case ToastMsg:
		m.toastSeq++
		m.toast = &toast{id: m.toastSeq, kind: msg.Kind, text: msg.Text}
		m.events.Add(eventlog.KindAuth, msg.Text)
		id := m.toastSeq
		return m, tea.Tick(toastTTL, func(time.Time) tea.Msg { return toastExpiredMsg{id: id} })

	case toastExpiredMsg:
		if m.toast != nil && m.toast.id == msg.id {
			m.toast = nil
		}
		return m, nil

	case NavigateMsg:
		if msg.Path != m.deps.SignInPath {
			m.log.Warn("unknown navigation target", zap.String("path", msg.Path))
			return m, nil
		}
		m.endSession()
		m.screen = ScreenSignIn
		m.signin.Reset()
		m.signin.Notice = ""
		if m.toast != nil {
			m.signin.Notice = m.toast.text
		}
		return m, nil
	}
	return m, nil
}

func (m Model) onSession(c session.Change) (tea.Model, tea.Cmd) {
	if !c.Active {
		m.statusBar.SignedIn = false
		if m.feeds != nil {
			m.events.Add(eventlog.KindAuth, "session ended")
		}
		m.endSession()
		m.screen = ScreenSignIn
		return m, nil
	}

	m.statusBar.SignedIn = true
	m.statusBar.Session = c.Session
	m.screen = ScreenHome
	if m.feeds != nil && m.identity == c.Session.UserID {
		return m, nil
	}

	m.endSession()
	m.identity = c.Session.UserID
	m.gen++
	m.tab = TabProducts
	m.selected = 0
	m.feeds = newFeeds(m.deps, c.Session, m.gen)
	return m, mountCmd(m.ctx, m.deps, m.feeds)
}

// endSession unmounts the feeds of the current session and drops its data.
func (m *Model) endSession() {
	if m.feeds != nil {
		m.feeds.unmount()
		m.feeds = nil
	}
	for _, s := range m.logSubs {
		s.Close()
	}
	m.logSubs = nil
	m.identity = ""
	m.gen++
	m.products, m.notifications, m.adoptions, m.users = nil, nil, nil, nil
	m.community = Community{}
	m.showLog = false
	m.showDetail = false
}

func mountCmd(ctx context.Context, d Deps, f *feeds) tea.Cmd {
	return func() tea.Msg {
		err := f.mount(ctx)
		subs := make([]*bus.Subscription, 0, len(protocol.KnownTopics()))
		for _, topic := range protocol.KnownTopics() {
			subs = append(subs, d.Bus.Subscribe(topic, func(ev protocol.Event) {
				d.Bridge.Post(EventMsg{Event: ev})
			}))
		}
		return mountedMsg{feeds: f, subs: subs, err: err}
	}
}

func (m Model) signInCmd(req signin.SubmitMsg) tea.Cmd {
	client, ctx := m.deps.API, m.ctx
	return func() tea.Msg {
		resp, err := client.SignIn(ctx, req.Email, req.Password)
		if err != nil {
			return signInFailedMsg{err: err}
		}
		return signedInMsg{resp: resp}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.endSession()
	m.cancel()
	return m, tea.Quit
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.showLog {
		switch {
		case key.Matches(msg, m.keys.Escape, m.keys.EventLog):
			m.showLog = false
		case key.Matches(msg, m.keys.Up):
			m.events.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.events.ScrollDown(1)
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		}
		return m, nil
	}

	if m.showDetail {
		switch {
		case key.Matches(msg, m.keys.Escape, m.keys.Open):
			m.showDetail = false
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()
	case key.Matches(msg, m.keys.Open):
		m.showDetail = m.selectedMarkdown() != ""
	case key.Matches(msg, m.keys.EventLog):
		m.showLog = true
	case key.Matches(msg, m.keys.Tab):
		m.selectTab(m.nextTab())
	case key.Matches(msg, m.keys.Tab1):
		m.selectTab(TabProducts)
	case key.Matches(msg, m.keys.Tab2):
		m.selectTab(TabNotifications)
	case key.Matches(msg, m.keys.Tab3):
		m.selectTab(TabAdoptions)
	case key.Matches(msg, m.keys.Tab4):
		m.selectTab(TabUsers)
	case key.Matches(msg, m.keys.Tab5):
		m.selectTab(TabCommunity)
	case key.Matches(msg, m.keys.Down):
		if n := m.rowCount(); n > 0 {
			m.selected = (m.selected + 1) % n
		}
	case key.Matches(msg, m.keys.Up):
		if n := m.rowCount(); n > 0 {
			m.selected = (m.selected - 1 + n) % n
		}
	case key.Matches(msg, m.keys.Refresh):
		if m.feeds != nil {
			m.feeds.refetch(m.tab)
		}
	case key.Matches(msg, m.keys.SignOut):
		m.deps.Store.Clear()
	}
	return m, nil
}

func (m Model) tabAvailable(t Tab) bool {
	switch t {
	case TabAdoptions:
		return m.feeds != nil && m.feeds.adoptions != nil
	case TabUsers:
		return m.feeds != nil && m.feeds.users != nil
	}
	return true
}

func (m Model) nextTab() Tab {
	t := m.tab
	for i := 0; i < len(tabNames); i++ {
		t = (t + 1) % Tab(len(tabNames))
		if m.tabAvailable(t) {
			return t
		}
	}
	return m.tab
}

func (m *Model) selectTab(t Tab) {
	if !m.tabAvailable(t) || t == m.tab {
		return
	}
	m.tab = t
	m.selected = 0
}

func (m Model) rowCount() int {
	switch m.tab {
	case TabNotifications:
		return len(m.notifications)
	case TabAdoptions:
		return len(m.adoptions)
	case TabUsers:
		return len(m.users)
	case TabCommunity:
		return len(m.community.Events) + len(m.community.Fundraisers) + len(m.community.Donations)
	}
	return len(m.products)
}

func (m *Model) clampSelection() {
	if n := m.rowCount(); m.selected >= n {
		m.selected = max(n-1, 0)
	}
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusBar.View()}
	if m.toast != nil {
		style := theme.StyleInfo
		if m.toast.kind == guard.ToastError {
			style = theme.StyleError
		}
		sections = append(sections, style.Render(" "+m.toast.text))
	}

	if m.screen == ScreenSignIn {
		sections = append(sections, m.signin.View(m.width))
		return lipgloss.JoinVertical(lipgloss.Left, sections...)
	}

	if m.showLog {
		sections = append(sections, m.events.View(m.width, m.height-4))
	} else if md := m.selectedMarkdown(); m.showDetail && md != "" {
		// Rebuilt on every render so live updates show in an open panel.
		m.detail.Markdown = md
		sections = append(sections, m.detail.View(m.width))
	} else {
		sections = append(sections, m.renderTabs(), m.renderRows())
	}
	sections = append(sections, theme.StyleDimmed.Render("  j/k:move  enter:details  tab/1-5:list  r:refetch  l:log  o:sign out  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderTabs() string {
	var parts []string
	for i, name := range tabNames {
		t := Tab(i)
		if !m.tabAvailable(t) {
			continue
		}
		label := fmt.Sprintf("%d %s", i+1, name)
		if t == m.tab {
			parts = append(parts, theme.StyleActive.Render(label))
		} else {
			parts = append(parts, theme.StyleDimmed.Render(label))
		}
	}
	return " " + strings.Join(parts, "   ")
}

func (m Model) renderRows() string {
	var rows []string
	switch m.tab {
	case TabProducts:
		for _, p := range m.products {
			rows = append(rows, fmt.Sprintf("%-24s %8.2f   stock %d", truncate(p.Name, 24), p.Price, p.Stock))
		}
	case TabNotifications:
		for _, n := range m.notifications {
			mark := "●"
			if n.Read {
				mark = "○"
			}
			rows = append(rows, fmt.Sprintf("%s %s  %s", mark, n.CreatedAt.Local().Format("15:04"), n.Message))
		}
	case TabAdoptions:
		for _, a := range m.adoptions {
			st := lipgloss.NewStyle().Foreground(theme.StatusColor(string(a.Status))).Render(fmt.Sprintf("%-9s", a.Status))
			rows = append(rows, fmt.Sprintf("%-12s %s adopter %s  shelter %s", truncate(a.PetName, 12), st, a.AdopterID, a.ShelterID))
		}
	case TabUsers:
		for _, u := range m.users {
			role := lipgloss.NewStyle().Foreground(theme.RoleColor(u.Role.String())).Render(fmt.Sprintf("%-8s", u.Role))
			st := lipgloss.NewStyle().Foreground(theme.StatusColor(u.Status.String())).Render(u.Status.String())
			rows = append(rows, fmt.Sprintf("%-12s %-20s %s %s", u.ID, truncate(u.Name, 20), role, st))
		}
	case TabCommunity:
		for _, e := range m.community.Events {
			rows = append(rows, fmt.Sprintf("event %-24s %s  %s", truncate(e.Title, 24), e.StartsAt.Local().Format("Jan 2 15:04"), e.Location))
		}
		for _, f := range m.community.Fundraisers {
			rows = append(rows, fmt.Sprintf("fund  %-24s %8.2f / %.2f", truncate(f.Title, 24), f.Raised, f.Goal))
		}
		for _, d := range m.community.Donations {
			rows = append(rows, fmt.Sprintf("gift  %-24s %8.2f  from %s", d.FundraiserID, d.Amount, d.DonorID))
		}
	}
	if len(rows) == 0 {
		return theme.StyleDimmed.Render("  Nothing here yet")
	}
	for i := range rows {
		prefix := "  "
		if i == m.selected {
			prefix = "> "
		}
		rows[i] = prefix + rows[i]
	}
	return strings.Join(rows, "\n")
}

// selectedMarkdown describes the selected row, or "" when nothing is
// selected.
func (m Model) selectedMarkdown() string {
	i := m.selected
	switch m.tab {
	case TabProducts:
		if i < len(m.products) {
			return detail.Product(m.products[i])
		}
	case TabNotifications:
		if i < len(m.notifications) {
			return detail.Notification(m.notifications[i])
		}
	case TabAdoptions:
		if i < len(m.adoptions) {
			return detail.Adoption(m.adoptions[i])
		}
	case TabUsers:
		if i < len(m.users) {
			return detail.User(m.users[i])
		}
	case TabCommunity:
		c := m.community
		if i < len(c.Events) {
			return detail.Event(c.Events[i])
		}
		i -= len(c.Events)
		if i < len(c.Fundraisers) {
			return detail.Fundraiser(c.Fundraisers[i])
		}
		i -= len(c.Fundraisers)
		if i < len(c.Donations) {
			return detail.Donation(c.Donations[i])
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func describe(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.SecurityEvent:
		return fmt.Sprintf("%s user=%s", e.Topic(), e.Subject())
	case protocol.AdoptionRequestsChanged:
		return fmt.Sprintf("%s adopter=%s shelter=%s", e.Topic(), e.AdopterID, e.ShelterID)
	}
	return string(ev.Topic())
}
