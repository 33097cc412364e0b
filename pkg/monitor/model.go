// Package monitor is a live terminal dashboard of the attempt directories
// under a runlog data root.
package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

type keyMap struct {
	Refresh key.Binding
	Sync    key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Sync:    key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sync now")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the dashboard state.
type Model struct {
	Root            string
	RefreshInterval time.Duration
	Version         string
	SyncFunc        SyncFunc

	table   table.Model
	spinner spinner.Model
	rows    []Row
	err     error

	syncing    bool
	lastSync   string
	lastSyncOK bool

	lastRefresh time.Time
	width       int
	height      int
}

// NewModel creates a dashboard for root. syncFn may be nil, which disables
// the sync key.
func NewModel(root string, interval time.Duration, ver string, syncFn SyncFunc) Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).Foreground(primaryColor)
	s.Selected = s.Selected.Foreground(selectedFg).Background(selectedBg)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = subtleStyle

	return Model{
		Root:            root,
		RefreshInterval: interval,
		Version:         ver,
		SyncFunc:        syncFn,
		table:           t,
		spinner:         sp,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.scheduleTick(), m.spinner.Tick)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.err = msg.Err
		m.lastRefresh = msg.FetchedAt
		m.rows = buildRows(msg.Containers)
		m.table.SetRows(tableRows(m.rows, m.width))
		return m, nil

	case SyncDoneMsg:
		m.syncing = false
		m.lastSyncOK = msg.Err == nil
		m.lastSync = msg.Summary
		if msg.Err != nil {
			m.lastSync = msg.Err.Error()
		}
		return m, m.fetchData()

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(columns(msg.Width))
		m.table.SetRows(tableRows(m.rows, msg.Width))
		if h := msg.Height - 9; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetchData()
		case key.Matches(msg, keys.Sync):
			if m.SyncFunc == nil || m.syncing {
				return m, nil
			}
			m.syncing = true
			return m, m.runSync()
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that inspects the data root
func (m Model) fetchData() tea.Cmd {
	root := m.Root
	return func() tea.Msg {
		return FetchData(root)
	}
}

func (m Model) runSync() tea.Cmd {
	fn := m.SyncFunc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		summary, err := fn(ctx)
		return SyncDoneMsg{Summary: summary, Err: err}
	}
}
