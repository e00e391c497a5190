// Package ui is the interactive terminal front end of a chat session.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/chat"
	"github.com/go-go-golems/chatbridge/pkg/render"
	"github.com/go-go-golems/chatbridge/pkg/session"
	"github.com/go-go-golems/chatbridge/pkg/tokens"
)

var (
	connBannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160")).Padding(0, 1)
	errorBannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("214")).Padding(0, 1)
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	flashStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)
)

// Session is what the model needs from a chat session.
type Session interface {
	Updates() <-chan session.Update
	Snapshot() session.Snapshot
	Submit(input string) error
}

type updateMsg session.Update

type closedMsg struct{}

type statsMsg tokens.Stats

type Model struct {
	sess      Session
	renderer  *render.Renderer
	estimator *tokens.Estimator
	copyText  func(string) error

	snap  session.Snapshot
	stats *tokens.Stats
	flash string

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	width    int
	height   int
}

type Option func(*Model)

// WithClipboard replaces the system clipboard writer.
func WithClipboard(fn func(string) error) Option {
	return func(m *Model) {
		m.copyText = fn
	}
}

func WithEstimator(e *tokens.Estimator) Option {
	return func(m *Model) {
		m.estimator = e
	}
}

func NewModel(sess Session, r *render.Renderer, opts ...Option) Model {
	ti := textinput.New()
	ti.Placeholder = "Type a message and press enter"
	ti.Prompt = "> "
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Line
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	m := Model{
		sess:      sess,
		renderer:  r,
		estimator: tokens.NewEstimator(""),
		copyText:  clipboard.WriteAll,
		snap:      sess.Snapshot(),
		viewport:  viewport.New(80, 20),
		input:     ti,
		spinner:   sp,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.syncInput()
	m.refresh()
	return m
}

func waitForUpdate(ch <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return updateMsg(u)
	}
}

// countTokens runs off the update loop since loading the tokenizer may take a while.
func countTokens(e *tokens.Estimator, t chat.Transcript) tea.Cmd {
	return func() tea.Msg {
		return statsMsg(e.Transcript(t))
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink, waitForUpdate(m.sess.Updates()))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width
		m.height = ev.Height
		m.layout()
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+y":
			m.copyLast()
			return m, nil
		case "enter":
			return m.submit()
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		if !m.input.Focused() {
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case updateMsg:
		prevBusy := m.snap.Busy
		m.snap = ev.Snapshot
		m.syncInput()
		m.refresh()
		cmds := []tea.Cmd{waitForUpdate(m.sess.Updates())}
		if prevBusy && !m.snap.Busy {
			cmds = append(cmds, countTokens(m.estimator, m.snap.Transcript))
		}
		if ev.Kind == session.UpdateAPIResponse {
			log.Debug().Msg("api response received")
		}
		return m, tea.Batch(cmds...)

	case statsMsg:
		st := tokens.Stats(ev)
		m.stats = &st
		return m, nil

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if !m.snap.InputEnabled() {
		if m.snap.Busy {
			m.flash = "waiting for the response to finish"
		} else {
			m.flash = "not connected"
		}
		return m, nil
	}
	text := m.input.Value()
	if err := m.sess.Submit(text); err != nil {
		if errors.Is(err, session.ErrEmptyInput) {
			return m, nil
		}
		m.flash = "not sent: " + err.Error()
		return m, nil
	}
	m.flash = ""
	m.input.Reset()
	m.snap = m.sess.Snapshot()
	m.syncInput()
	m.refresh()
	return m, countTokens(m.estimator, m.snap.Transcript)
}

func (m *Model) copyLast() {
	text := m.snap.Transcript.LastText()
	if text == "" {
		m.flash = "nothing to copy"
		return
	}
	if err := m.copyText(text); err != nil {
		m.flash = "copy failed: " + err.Error()
		return
	}
	m.flash = "copied last response"
}

func (m *Model) syncInput() {
	if m.snap.InputEnabled() {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m *Model) layout() {
	// banner, status line and input each take one row
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
	m.input.Width = m.width - len(m.input.Prompt) - 1
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderer.Transcript(m.snap.Transcript))
	m.viewport.GotoBottom()
}

func (m Model) banner() string {
	n := m.snap.Notice
	if n == nil {
		return ""
	}
	if n.Kind == session.NoticeBackendError {
		return errorBannerStyle.Render(n.String())
	}
	return connBannerStyle.Render(n.String())
}

func (m Model) statusLine() string {
	parts := []string{string(m.snap.Status)}
	if m.snap.Busy {
		parts = append(parts, m.spinner.View()+" streaming")
	}
	if m.stats != nil {
		approx := ""
		if m.stats.Approximate {
			approx = "~"
		}
		parts = append(parts, fmt.Sprintf("%d turns, %s%d tokens", m.stats.Turns, approx, m.stats.Tokens))
	}
	line := statusStyle.Render(strings.Join(parts, " | "))
	if m.flash != "" {
		line += "  " + flashStyle.Render(m.flash)
	}
	return line
}

func (m Model) View() string {
	return strings.Join([]string{
		m.banner(),
		m.viewport.View(),
		m.statusLine(),
		m.input.View(),
	}, "\n")
}

// Run drives the TUI until the user quits, ctx ends or the session closes.
func Run(ctx context.Context, sess Session, r *render.Renderer, opts ...Option) error {
	p := tea.NewProgram(NewModel(sess, r, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "run ui")
	}
	return nil
}
