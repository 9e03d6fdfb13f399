package tui

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/user/syncbook/internal/db"
	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/syncer"
)

// SyncFunc runs one sync from inside the TUI.
type SyncFunc func(ctx context.Context) (*syncer.Result, error)

type model struct {
	store       *db.Store
	sync        SyncFunc
	searchInput textinput.Model
	list        list.Model
	entries     []db.Entry
	sources     map[string]bool // Source filter toggles
	status      string
	syncing     bool
	width       int
	height      int
	searching   bool
	err         error
}

type entryItem struct {
	entry db.Entry
}

func (e entryItem) Title() string {
	icon := sourceIcon(e.entry.Source)
	return fmt.Sprintf("%s %s · %s", icon, e.entry.Title, humanize.Time(e.entry.HighlightedAt))
}

func (e entryItem) Description() string {
	text := strings.ReplaceAll(e.entry.Text, "\n", " ")
	if text == "" {
		text = e.entry.Note
	}
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80]) + "..."
	}
	return text
}

func (e entryItem) FilterValue() string {
	return e.entry.Title + " " + e.entry.Author + " " + e.entry.Text
}

func sourceIcon(source string) string {
	switch source {
	case highlight.SourceWeRead:
		return "[W]"
	case highlight.SourceDedao:
		return "[D]"
	default:
		return "[?]"
	}
}

func initialModel(store *db.Store, sync SyncFunc) model {
	ti := textinput.New()
	ti.Placeholder = "Search highlights..."
	ti.CharLimit = 256
	ti.Width = 50

	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 0, 0)
	l.Title = "syncbook"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(true)

	return model{
		store:       store,
		sync:        sync,
		searchInput: ti,
		list:        l,
		sources: map[string]bool{
			highlight.SourceWeRead: true,
			highlight.SourceDedao:  true,
		},
	}
}

type loadMsg struct {
	entries []db.Entry
	err     error
}

type syncMsg struct {
	res *syncer.Result
	err error
}

func (m model) Init() tea.Cmd {
	return m.doSearch("")
}

func (m model) activeSources() []string {
	var out []string
	for _, s := range []string{highlight.SourceWeRead, highlight.SourceDedao} {
		if m.sources[s] {
			out = append(out, s)
		}
	}
	return out
}

func (m model) doSearch(query string) tea.Cmd {
	sources := m.activeSources()
	return func() tea.Msg {
		if m.store == nil {
			return loadMsg{err: fmt.Errorf("store not initialized")}
		}
		if len(sources) == 0 {
			return loadMsg{}
		}
		entries, err := m.store.Search(context.Background(), query, sources, 200)
		return loadMsg{entries: entries, err: err}
	}
}

func (m model) doSync() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		res, err := m.sync(ctx)
		return syncMsg{res: res, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.searching {
			switch msg.String() {
			case "ctrl+c", "q":
				return m, tea.Quit
			case "/":
				m.searching = true
				m.searchInput.Focus()
				return m, textinput.Blink
			case "j", "down":
				m.list.CursorDown()
				return m, nil
			case "k", "up":
				m.list.CursorUp()
				return m, nil
			case "g":
				m.list.Select(0)
				return m, nil
			case "G":
				if items := m.list.Items(); len(items) > 0 {
					m.list.Select(len(items) - 1)
				}
				return m, nil
			case "o":
				if item, ok := m.list.SelectedItem().(entryItem); ok {
					openBrowser(item.entry.HighlightURL)
				}
				return m, nil
			case "s":
				if m.sync != nil && !m.syncing {
					m.syncing = true
					m.status = "syncing..."
					return m, m.doSync()
				}
				return m, nil
			case "1":
				m.sources[highlight.SourceWeRead] = !m.sources[highlight.SourceWeRead]
				return m, m.doSearch(m.searchInput.Value())
			case "2":
				m.sources[highlight.SourceDedao] = !m.sources[highlight.SourceDedao]
				return m, m.doSearch(m.searchInput.Value())
			}
		} else {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "esc":
				m.searching = false
				m.searchInput.Blur()
				return m, nil
			case "enter":
				m.searching = false
				m.searchInput.Blur()
				return m, m.doSearch(m.searchInput.Value())
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height-7)
		m.searchInput.Width = msg.Width - 20

	case loadMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.entries = msg.entries
		m.list.SetItems(entriesToItems(msg.entries))
		return m, nil

	case syncMsg:
		m.syncing = false
		if msg.err != nil {
			m.status = "sync failed: " + msg.err.Error()
			return m, nil
		}
		m.status = msg.res.Message
		return m, m.doSearch(m.searchInput.Value())
	}

	if m.searching {
		var cmd tea.Cmd
		m.searchInput, cmd = m.searchInput.Update(msg)
		cmds = append(cmds, cmd)

		// Live search on input change
		if _, isKey := msg.(tea.KeyMsg); isKey {
			cmds = append(cmds, m.doSearch(m.searchInput.Value()))
		}
	} else {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func entriesToItems(entries []db.Entry) []list.Item {
	items := make([]list.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, entryItem{entry: e})
	}
	return items
}

func (m model) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err)
	}

	var b strings.Builder

	searchStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(0, 1)

	activeFilter := lipgloss.NewStyle().
		Foreground(lipgloss.Color("86")).
		Bold(true)

	inactiveFilter := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	filters := []string{}
	for _, s := range []struct{ key, label string }{
		{highlight.SourceWeRead, "[W]eread"},
		{highlight.SourceDedao, "[D]edao"},
	} {
		if m.sources[s.key] {
			filters = append(filters, activeFilter.Render(s.label))
		} else {
			filters = append(filters, inactiveFilter.Render(s.label))
		}
	}

	searchBox := searchStyle.Render(m.searchInput.View())
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, searchBox, "  ", strings.Join(filters, " ")))
	b.WriteString("\n\n")

	b.WriteString(m.list.View())

	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.status))
	}

	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		MarginTop(1)

	help := "[j/k]nav [g/G]top/end [/]search [o]pen [s]ync [1-2]filters [q]uit"
	b.WriteString(helpStyle.Render(help))

	return b.String()
}

func openBrowser(url string) {
	if url == "" {
		return
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	}
	if cmd != nil {
		cmd.Start()
	}
}

// Run starts the TUI over the local ledger. sync may be nil.
func Run(store *db.Store, sync SyncFunc) error {
	p := tea.NewProgram(initialModel(store, sync), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
