package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/klauern/crosssync/internal/sync"
)

// DefaultRefresh is how often the dashboard polls its source.
const DefaultRefresh = 2 * time.Second

// Source supplies the data shown by the dashboard. *sync.Engine satisfies it.
type Source interface {
	Status(ctx context.Context) sync.Status
	Operations() []sync.Operation
	Conflicts() []sync.Conflict
}

// DashboardTab selects the table shown below the summary.
type DashboardTab int

const (
	TabPlatforms DashboardTab = iota
	TabOperations
	TabConflicts
)

func (t DashboardTab) String() string {
	switch t {
	case TabOperations:
		return "Operations"
	case TabConflicts:
		return "Conflicts"
	default:
		return "Platforms"
	}
}

var dashboardTabs = []DashboardTab{TabPlatforms, TabOperations, TabConflicts}

type dashboardKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	NextTab key.Binding
	PrevTab key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func defaultDashboardKeyMap() dashboardKeyMap {
	return dashboardKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		NextTab: key.NewBinding(
			key.WithKeys("tab", "l", "right"),
			key.WithHelp("tab", "next view"),
		),
		PrevTab: key.NewBinding(
			key.WithKeys("shift+tab", "h", "left"),
			key.WithHelp("shift+tab", "previous view"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c", "esc"),
			key.WithHelp("q", "quit"),
		),
	}
}

var dashboardStyles = struct {
	Title     lipgloss.Style
	Help      lipgloss.Style
	Tab       lipgloss.Style
	ActiveTab lipgloss.Style
	Summary   lipgloss.Style
	Healthy   lipgloss.Style
	Unhealthy lipgloss.Style
	Status    lipgloss.Style
	Empty     lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1),
	Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	Tab:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 2),
	ActiveTab: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Padding(0, 2),
	Summary:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 2),
	Healthy:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
	Unhealthy: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	Status:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1),
	Empty:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(1, 2),
}

type refreshMsg struct {
	status     sync.Status
	operations []sync.Operation
	conflicts  []sync.Conflict
	scheduled  bool
}

type tickMsg time.Time

// DashboardModel is the BubbleTea model for the live sync dashboard.
type DashboardModel struct {
	ctx      context.Context
	source   Source
	interval time.Duration

	tab        DashboardTab
	tables     [3]table.Model
	spinner    spinner.Model
	keys       dashboardKeyMap
	status     sync.Status
	operations []sync.Operation
	conflicts  []sync.Conflict
	loaded     bool
	showHelp   bool
	width      int
	height     int
	quitting   bool
}

// NewDashboardModel creates a dashboard polling source every interval.
// A non-positive interval uses DefaultRefresh.
func NewDashboardModel(ctx context.Context, source Source, interval time.Duration) DashboardModel {
	if interval <= 0 {
		interval = DefaultRefresh
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	return DashboardModel{
		ctx:      ctx,
		source:   source,
		interval: interval,
		tables: [3]table.Model{
			TabPlatforms: newTable([]table.Column{
				{Title: "ID", Width: 20},
				{Title: "Kind", Width: 18},
				{Title: "State", Width: 10},
				{Title: "Last Seen", Width: 12},
				{Title: "Capabilities", Width: 36},
			}, true),
			TabOperations: newTable([]table.Column{
				{Title: "Record", Width: 20},
				{Title: "Kind", Width: 8},
				{Title: "Status", Width: 12},
				{Title: "Targets", Width: 24},
				{Title: "Retries", Width: 8},
				{Title: "Error", Width: 30},
			}, false),
			TabConflicts: newTable([]table.Column{
				{Title: "Record", Width: 20},
				{Title: "Category", Width: 14},
				{Title: "Stored", Width: 14},
				{Title: "Incoming", Width: 14},
				{Title: "Strategy", Width: 16},
				{Title: "State", Width: 16},
			}, false),
		},
		spinner: sp,
		keys:    defaultDashboardKeyMap(),
	}
}

func newTable(columns []table.Column, focused bool) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(focused),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// Init implements tea.Model.
func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh(true))
}

func (m DashboardModel) refresh(scheduled bool) tea.Cmd {
	return func() tea.Msg {
		return refreshMsg{
			status:     m.source.Status(m.ctx),
			operations: m.source.Operations(),
			conflicts:  m.source.Conflicts(),
			scheduled:  scheduled,
		}
	}
}

func (m DashboardModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := msg.Height - 14; h > 3 {
			for i := range m.tables {
				m.tables[i].SetHeight(h)
			}
		}
		return m, nil

	case refreshMsg:
		m.apply(msg)
		if msg.scheduled {
			return m, m.tick()
		}
		return m, nil

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, m.refresh(true)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil

		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh(false)

		case key.Matches(msg, m.keys.NextTab):
			m.switchTab(1)
			return m, nil

		case key.Matches(msg, m.keys.PrevTab):
			m.switchTab(-1)
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.tables[m.tab], cmd = m.tables[m.tab].Update(msg)
	return m, cmd
}

func (m *DashboardModel) switchTab(step int) {
	n := len(dashboardTabs)
	next := DashboardTab((int(m.tab) + step + n) % n)

	m.tables[m.tab].Blur()
	m.tables[next].Focus()
	m.tab = next
}

func (m *DashboardModel) apply(msg refreshMsg) {
	m.status = msg.status
	m.operations = msg.operations
	m.conflicts = msg.conflicts
	m.loaded = true

	m.setRows(TabPlatforms, platformRows(msg.status.Platforms))
	m.setRows(TabOperations, operationRows(msg.operations))
	m.setRows(TabConflicts, conflictRows(msg.conflicts))
}

func (m *DashboardModel) setRows(tab DashboardTab, rows []table.Row) {
	t := &m.tables[tab]
	t.SetRows(rows)
	if t.Cursor() >= len(rows) {
		t.SetCursor(max(len(rows)-1, 0))
	}
}

func platformRows(platforms []sync.PlatformStatus) []table.Row {
	rows := make([]table.Row, len(platforms))
	for i, p := range platforms {
		state := "inactive"
		switch {
		case p.Live && p.Degraded:
			state = "degraded"
		case p.Live:
			state = "live"
		}
		seen := "never"
		if !p.LastSeen.IsZero() {
			seen = p.Age.String() + " ago"
		}
		rows[i] = table.Row{
			truncateText(p.ID, 20),
			string(p.Kind),
			state,
			seen,
			truncateText(strings.Join(p.Capabilities, ","), 36),
		}
	}
	return rows
}

func operationRows(ops []sync.Operation) []table.Row {
	rows := make([]table.Row, len(ops))
	for i, op := range ops {
		rows[i] = table.Row{
			truncateText(op.RecordID, 20),
			string(op.Kind),
			string(op.Status),
			truncateText(fmt.Sprintf("%d/%d %s", len(op.Delivered), len(op.Targets), strings.Join(op.Targets, ",")), 24),
			fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries),
			truncateText(op.Error, 30),
		}
	}
	return rows
}

func conflictRows(conflicts []sync.Conflict) []table.Row {
	rows := make([]table.Row, len(conflicts))
	for i, c := range conflicts {
		state := "unresolved"
		if c.Resolved {
			state = "kept " + string(c.Resolution)
		}
		rows[i] = table.Row{
			truncateText(c.RecordID, 20),
			string(c.Category),
			truncateText(c.StoredPlatform, 14),
			truncateText(c.IncomingPlatform, 14),
			string(c.Strategy),
			state,
		}
	}
	return rows
}

// View implements tea.Model.
func (m DashboardModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(dashboardStyles.Title.Render("Crosssync Dashboard"))
	if m.status.Running {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(dashboardStyles.Empty.Render("Loading status..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(dashboardStyles.Summary.Render(m.renderSummary()))
	b.WriteString("\n\n")

	tabs := make([]string, len(dashboardTabs))
	for i, tab := range dashboardTabs {
		style := dashboardStyles.Tab
		if tab == m.tab {
			style = dashboardStyles.ActiveTab
		}
		tabs[i] = style.Render(fmt.Sprintf("%s (%d)", tab, len(m.tables[tab].Rows())))
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))
	b.WriteString("\n\n")

	t := m.tables[m.tab]
	if len(t.Rows()) == 0 {
		b.WriteString(dashboardStyles.Empty.Render(fmt.Sprintf("No %s.", strings.ToLower(m.tab.String()))))
	} else {
		b.WriteString(t.View())
	}
	b.WriteString("\n\n")

	b.WriteString(dashboardStyles.Status.Render(fmt.Sprintf("Updated %s, refreshing every %s",
		m.status.At.Format(time.TimeOnly), m.interval)))
	b.WriteString("\n")

	if m.showHelp {
		b.WriteString("\n")
		b.WriteString(m.renderFullHelp())
	} else {
		b.WriteString(m.renderShortHelp())
	}

	return b.String()
}

func (m DashboardModel) renderSummary() string {
	st := m.status

	health := dashboardStyles.Healthy.Render("healthy")
	if !st.Healthy() {
		health = dashboardStyles.Unhealthy.Render("attention needed")
	}
	state := "stopped"
	if st.Running {
		state = "running"
	}

	lines := []string{
		fmt.Sprintf("Service:    %s (%s)", state, health),
		fmt.Sprintf("Platforms:  %d/%d live, %d degraded", len(st.Live()), len(st.Platforms), st.Adapters.Degraded),
		fmt.Sprintf("Records:    %d", st.Records),
		fmt.Sprintf("Operations: %d pending, %d in progress, %d completed, %d failed",
			st.Operations[sync.StatusPending], st.Operations[sync.StatusInProgress],
			st.Operations[sync.StatusCompleted], st.Failed()),
		fmt.Sprintf("Conflicts:  %d (%d unresolved)", st.Conflicts, st.Unresolved),
	}
	return strings.Join(lines, "\n")
}

func (m DashboardModel) renderShortHelp() string {
	keys := []string{
		"tab switch view",
		"↑/↓ navigate",
		"r refresh",
		"? help",
		"q quit",
	}
	return dashboardStyles.Help.Render(strings.Join(keys, " • "))
}

func (m DashboardModel) renderFullHelp() string {
	help := `Navigation:
  ↑/k        Move up
  ↓/j        Move down
  Tab/l      Next view
  S-Tab/h    Previous view

Actions:
  r          Refresh now

General:
  ?          Toggle full help
  q/Esc      Quit dashboard`
	return dashboardStyles.Help.Render(help)
}

// Tab returns the active tab.
func (m DashboardModel) Tab() DashboardTab {
	return m.tab
}

// RunDashboard runs the dashboard until the user quits or ctx is cancelled.
func RunDashboard(ctx context.Context, source Source, interval time.Duration) error {
	model := NewDashboardModel(ctx, source, interval)
	_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
