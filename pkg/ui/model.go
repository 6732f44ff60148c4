// Package ui is the terminal chat client: a bubbletea model that re-renders the synchronizer
// snapshot every time it changes.
package ui

import (
	"context"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

// Session is the part of the synchronizer the UI drives.
type Session interface {
	Snapshot() chatsync.Snapshot
	Send(ctx context.Context, text string) error
	Retry(ctx context.Context, localID string) error
	RetryHistory(ctx context.Context) error
	CloseConversation()
}

var _ Session = (*chatsync.Synchronizer)(nil)

// copyToClipboard is swapped in tests.
var copyToClipboard = clipboard.WriteAll

type updateMsg struct{}

type actionDoneMsg struct {
	what string
	err  error
}

type copiedMsg struct{ err error }

type Model struct {
	ctx     context.Context
	session Session
	updates <-chan struct{}

	snap     chatsync.Snapshot
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	markdown MarkdownFunc
	notice   string
	width    int
	ready    bool
}

type Option func(*Model)

// WithMarkdown renders finished assistant replies as markdown.
func WithMarkdown(md MarkdownFunc) Option { return func(m *Model) { m.markdown = md } }

// New builds the model. updates is a Watch channel of the session; it wakes the model,
// which then reads a fresh snapshot.
func New(ctx context.Context, session Session, updates <-chan struct{}, opts ...Option) Model {
	in := textinput.New()
	in.Placeholder = "Type a message, enter to send"
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	vp := viewport.New(80, 20)
	vp.Style = lipgloss.NewStyle()

	m := Model{
		ctx:      ctx,
		session:  session,
		updates:  updates,
		snap:     session.Snapshot(),
		viewport: vp,
		input:    in,
		spinner:  sp,
		width:    80,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForUpdate(m.updates))
}

// waitForUpdate turns the watch channel into a command delivering one wake-up.
func waitForUpdate(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return updateMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		// status line and input line
		m.viewport.Height = max(msg.Height-3, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()
		return m, nil

	case updateMsg:
		m.snap = m.session.Snapshot()
		m.refresh()
		return m, waitForUpdate(m.updates)

	case actionDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, chatsync.ErrStale) {
			m.notice = msg.what + ": " + msg.err.Error()
			log.Debug().Err(msg.err).Str("action", msg.what).Msg("ui action failed")
		}
		m.snap = m.session.Snapshot()
		m.refresh()
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.notice = "copy failed: " + msg.err.Error()
		} else {
			m.notice = "copied last reply"
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.session.CloseConversation()
		return m, tea.Quit

	case tea.KeyEnter:
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.Reset()
		m.notice = ""
		return m, m.run("send", func(ctx context.Context) error { return m.session.Send(ctx, text) })

	case tea.KeyCtrlR:
		m.notice = ""
		if id, ok := lastFailed(m.snap); ok {
			return m, m.run("retry", func(ctx context.Context) error { return m.session.Retry(ctx, id) })
		}
		if m.snap.HistoryErr != nil {
			return m, m.run("reload history", m.session.RetryHistory)
		}
		m.notice = "nothing to retry"
		return m, nil

	case tea.KeyCtrlY:
		last, ok := lastAssistant(m.snap)
		if !ok {
			m.notice = "no reply to copy"
			return m, nil
		}
		return m, func() tea.Msg { return copiedMsg{err: copyToClipboard(last.Content)} }

	case tea.KeyCtrlN:
		m.session.CloseConversation()
		m.notice = "conversation closed, the next message starts a new one"
		m.snap = m.session.Snapshot()
		m.refresh()
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// run executes a blocking session call off the update loop.
func (m Model) run(what string, f func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg { return actionDoneMsg{what: what, err: f(ctx)} }
}

func (m *Model) refresh() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(RenderTimeline(m.snap, m.width, m.markdown))
	if atBottom || m.snap.IsStreaming {
		m.viewport.GotoBottom()
	}
}

func (m Model) View() string {
	if !m.ready {
		return "loading…"
	}
	status := StatusLine(m.snap, m.spinner.View())
	if m.notice != "" {
		status += " " + noticeStyle.Render(m.notice)
	}
	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}

// Run starts the program on the terminal and blocks until the user quits.
func Run(ctx context.Context, s *chatsync.Synchronizer, opts ...Option) error {
	updates, stop := s.Watch()
	defer stop()
	p := tea.NewProgram(New(ctx, s, updates, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
