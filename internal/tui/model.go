// Package tui is the terminal chat surface.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/table"
	"github.com/xaenox/sql-assistant/internal/view"
)

const (
	sidebarWidth = 30
	maxTableRows = 50
	// maxSuggestionKeys is the number of alt+N shortcuts.
	maxSuggestionKeys = 3
)

var (
	accentColor = lipgloss.Color("63")
	dimColor    = lipgloss.Color("242")
	errorColor  = lipgloss.Color("203")
	textColor   = lipgloss.Color("255")

	sidebarStyle = lipgloss.NewStyle().
			Width(sidebarWidth).
			Border(lipgloss.NormalBorder(), false, true, false, false).
			BorderForeground(dimColor).
			PaddingRight(1)
	activeStyle   = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(dimColor)
	questionStyle = lipgloss.NewStyle().Foreground(textColor).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor)
	titleStyle    = lipgloss.NewStyle().Foreground(accentColor).Bold(true).MarginBottom(1)
)

// Core is what the surface needs from the chat core.
type Core interface {
	view.Actions
	Snapshot() view.State
	Updates() <-chan struct{}
}

type Options struct {
	// ExportDir receives CSV exports. Defaults to the working directory.
	ExportDir string
	// Timeout bounds a single submit or history request.
	Timeout time.Duration
}

// Run starts the chat UI and blocks until the user quits.
func Run(core Core, opts Options) error {
	program := tea.NewProgram(NewModel(core, opts), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

type mode int

const (
	modeAsk mode = iota
	modeRename
)

type Model struct {
	core      Core
	exportDir string
	timeout   time.Duration
	now       func() time.Time

	input    textinput.Model
	spinner  spinner.Model
	viewport viewport.Model
	width    int
	height   int

	state      view.State
	mode       mode
	status     string
	sortColumn string
	sortDir    table.Direction
}

type updateMsg struct{}

type askDoneMsg struct{ err error }

type refreshDoneMsg struct{ err error }

type exportedMsg struct {
	path string
	err  error
}

func NewModel(core Core, opts Options) *Model {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	input := textinput.New()
	input.Placeholder = "Ask a question about your data..."
	input.Prompt = "› "
	input.CharLimit = 1000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(accentColor)

	m := &Model{
		core:      core,
		exportDir: opts.ExportDir,
		timeout:   opts.Timeout,
		now:       time.Now,
		input:     input,
		spinner:   sp,
		viewport:  viewport.New(80, 20),
	}
	m.state = core.Snapshot()
	m.refreshViewport()
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.waitForUpdate(), m.refresh())
}

// waitForUpdate turns the next core change into a message.
func (m *Model) waitForUpdate() tea.Cmd {
	updates := m.core.Updates()
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return updateMsg{}
	}
}

func (m *Model) refresh() tea.Cmd {
	core, timeout := m.core, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return refreshDoneMsg{err: core.Refresh(ctx)}
	}
}

func (m *Model) ask(question string) tea.Cmd {
	core, timeout := m.core, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return askDoneMsg{err: core.Ask(ctx, question)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		if handled, cmd := m.handleKey(msg); handled {
			return m, cmd
		}

	case updateMsg:
		m.sync()
		return m, m.waitForUpdate()

	case askDoneMsg:
		// Submit errors already show up as the thread error.
		if msg.err != nil && m.state.Error == nil {
			m.status = internal_errors.UserMessage(msg.err)
		}
		return m, nil

	case refreshDoneMsg:
		if msg.err != nil {
			m.status = "Could not load history: " + internal_errors.UserMessage(msg.err)
		}
		return m, nil

	case exportedMsg:
		if msg.err != nil {
			m.status = "Export failed: " + msg.err.Error()
		} else {
			m.status = "Exported to " + msg.path
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.state.Loading {
			m.refreshViewport()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (bool, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return true, tea.Quit
	case "esc":
		if m.mode == modeRename {
			m.setMode(modeAsk)
			return true, nil
		}
		return true, tea.Quit
	case "enter":
		return true, m.submit()
	case "ctrl+n":
		m.core.NewChat()
		m.status = ""
		return true, nil
	case "tab":
		m.cycleThread(1)
		return true, nil
	case "shift+tab":
		m.cycleThread(-1)
		return true, nil
	case "ctrl+r":
		if m.state.ActiveThreadID != "" {
			m.setMode(modeRename)
			m.input.SetValue(m.state.ActiveTitle())
			m.input.CursorEnd()
		}
		return true, nil
	case "ctrl+d":
		if id := m.state.ActiveThreadID; id != "" {
			m.core.DeleteChat(id)
		}
		return true, nil
	case "ctrl+x":
		m.core.Stop()
		return true, nil
	case "ctrl+s":
		m.cycleSort()
		return true, nil
	case "ctrl+e":
		return true, m.export()
	case "ctrl+l":
		m.status = "Loading history..."
		return true, m.refresh()
	case "alt+1", "alt+2", "alt+3":
		return true, m.askSuggestion(int(msg.Runes[0] - '1'))
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return true, cmd
	}
	return false, nil
}

func (m *Model) setMode(md mode) {
	m.mode = md
	m.input.Reset()
	if md == modeRename {
		m.input.Prompt = "rename › "
	} else {
		m.input.Prompt = "› "
	}
}

func (m *Model) submit() tea.Cmd {
	value := strings.TrimSpace(m.input.Value())
	if m.mode == modeRename {
		m.core.RenameChat(m.state.ActiveThreadID, value)
		m.setMode(modeAsk)
		return nil
	}
	if value == "" || m.state.Loading {
		return nil
	}
	m.input.Reset()
	m.status = ""
	return m.ask(value)
}

// askSuggestion submits follow-up n of the newest answer.
func (m *Model) askSuggestion(n int) tea.Cmd {
	msg, ok := m.latestResult()
	if !ok || m.mode != modeAsk || n >= len(msg.Result.Suggestions) || m.state.Loading {
		return nil
	}
	m.status = ""
	return m.ask(msg.Result.Suggestions[n])
}

func (m *Model) cycleThread(step int) {
	n := len(m.state.Threads)
	if n == 0 {
		return
	}
	idx := -1
	for i, th := range m.state.Threads {
		if th.Active {
			idx = i
		}
	}
	next := (idx + step + n) % n
	if idx == -1 && step < 0 {
		next = n - 1
	}
	m.core.SelectChat(m.state.Threads[next].ID)
}

// latestResult is the newest answered message of the active thread.
func (m *Model) latestResult() (models.Message, bool) {
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		if m.state.Messages[i].Result != nil {
			return m.state.Messages[i], true
		}
	}
	return models.Message{}, false
}

// cycleSort steps through every column ascending then descending, then back
// to the order the backend returned.
func (m *Model) cycleSort() {
	msg, ok := m.latestResult()
	if !ok || len(msg.Result.Result.Columns) == 0 {
		return
	}
	cols := msg.Result.Result.Columns
	switch {
	case m.sortColumn == "":
		m.sortColumn, m.sortDir = cols[0], table.Ascending
	case m.sortDir == table.Ascending:
		m.sortDir = table.Descending
	default:
		next := ""
		for i, c := range cols {
			if c == m.sortColumn && i+1 < len(cols) {
				next = cols[i+1]
			}
		}
		m.sortColumn, m.sortDir = next, table.Ascending
	}
	if m.sortColumn == "" {
		m.status = "Unsorted"
	} else {
		m.status = fmt.Sprintf("Sorted by %s %s", m.sortColumn, m.sortDir)
	}
	m.refreshViewport()
}

func (m *Model) export() tea.Cmd {
	msg, ok := m.latestResult()
	if !ok {
		m.status = "Nothing to export yet"
		return nil
	}
	rows := table.Sort(msg.Result.Result, m.sortColumn, m.sortDir)
	path := filepath.Join(m.exportDir, table.ExportFilename(msg.Question, m.now()))
	columns := msg.Result.Result.Columns
	return func() tea.Msg {
		f, err := os.Create(path)
		if err != nil {
			return exportedMsg{err: err}
		}
		if err := table.WriteCSV(f, columns, rows); err != nil {
			f.Close()
			return exportedMsg{err: err}
		}
		return exportedMsg{path: path, err: f.Close()}
	}
}

// sync pulls a fresh snapshot from the core.
func (m *Model) sync() {
	prev := m.state.ActiveThreadID
	m.state = m.core.Snapshot()
	if m.state.ActiveThreadID != prev {
		m.sortColumn = ""
		if m.mode == modeRename {
			m.setMode(modeAsk)
		}
	}
	m.refreshViewport()
}

func (m *Model) resize() {
	w := m.width - sidebarWidth - 2
	if w < 20 {
		w = 20
	}
	h := m.height - 4
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 4
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessages() string {
	if m.state.ActiveThreadID == "" {
		return dimStyle.Render("Start a new conversation with ctrl+n, or just type a question.")
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(m.state.ActiveTitle()))
	sb.WriteByte('\n')

	latest, _ := m.latestResult()
	for _, msg := range m.state.Messages {
		sb.WriteString(questionStyle.Render("› " + msg.Question))
		sb.WriteByte('\n')
		switch msg.State() {
		case models.MessagePending:
			sb.WriteString(m.spinner.View() + " Thinking...")
		case models.MessageFailed:
			sb.WriteString(dimStyle.Render("No answer."))
		case models.MessageResolved:
			sb.WriteString(m.renderResult(msg, msg.ID == latest.ID))
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m *Model) renderResult(msg models.Message, sortable bool) string {
	r := msg.Result
	var sb strings.Builder
	sb.WriteString(dimStyle.Render(r.SQL))
	sb.WriteByte('\n')
	switch {
	case r.Result.Error != nil:
		sb.WriteString(errorStyle.Render("Query failed: " + *r.Result.Error))
	case len(r.Result.Results) == 0:
		sb.WriteString(dimStyle.Render("No rows."))
	default:
		rows := r.Result.Results
		if sortable {
			rows = table.Sort(r.Result, m.sortColumn, m.sortDir)
		}
		sb.WriteString(table.Render(r.Result.Columns, rows, maxTableRows))
	}
	switch {
	case len(r.Suggestions) == 0:
	case sortable:
		// Only the newest answer's suggestions are bound to keys.
		for i, sug := range r.Suggestions {
			if i >= maxSuggestionKeys {
				break
			}
			sb.WriteString("\n" + dimStyle.Render(fmt.Sprintf("alt+%d › %s", i+1, sug)))
		}
	default:
		sb.WriteString("\n" + dimStyle.Render("Try: "+strings.Join(r.Suggestions, " · ")))
	}
	return sb.String()
}

func (m *Model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Conversations"))
	sb.WriteByte('\n')
	if len(m.state.Threads) == 0 {
		sb.WriteString(dimStyle.Render("none yet"))
	}
	for _, th := range m.state.Threads {
		label := clip(th.Title, sidebarWidth-4)
		if th.Phase != "" && th.Phase != lifecycle.PhaseIdle {
			label = m.spinner.View() + label
		}
		if th.Active {
			sb.WriteString(activeStyle.Render("▶ " + label))
		} else {
			sb.WriteString("  " + label)
		}
		sb.WriteByte('\n')
	}
	return sidebarStyle.Height(m.viewport.Height + 2).Render(sb.String())
}

func (m *Model) View() string {
	lines := []string{m.viewport.View()}
	if m.state.Error != nil {
		lines = append(lines, errorStyle.Render("⚠ "+internal_errors.UserMessage(m.state.Error)))
	}
	lines = append(lines, m.input.View(), dimStyle.Render(m.statusLine()))
	main := lipgloss.JoinVertical(lipgloss.Left, lines...)
	return lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), main)
}

func (m *Model) statusLine() string {
	help := "enter ask · ctrl+n new · tab switch · ctrl+r rename · ctrl+d delete · ctrl+s sort · ctrl+e export · ctrl+x stop · alt+N follow up · esc quit"
	if m.status != "" {
		return m.status + " · " + help
	}
	return help
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
