// Package tui renders controller updates in the terminal. Interactive
// terminals get a bubbletea program; anything else gets one log line per
// update.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bubblesprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/progress"
)

const actionTimeout = 30 * time.Second

// Controller is the subset of controller.Controller the presenter drives.
type Controller interface {
	Updates() <-chan controller.Update
	Snapshot() controller.Update
	Cancel(ctx context.Context) error
	Resolve(ctx context.Context, confirmed bool) (string, error)
}

type updateMsg controller.Update

type actionDoneMsg struct {
	err error
}

// Model is the bubbletea model of a single followed job.
type Model struct {
	ctx    context.Context
	ctrl   Controller
	title  string
	styles Styles

	bar     bubblesprogress.Model
	spinner spinner.Model

	last       controller.Update
	notice     string
	cancelling bool
	quitting   bool
}

// NewModel starts from the controller's current snapshot.
func NewModel(ctx context.Context, ctrl Controller, title string) Model {
	sty := defaultStyles()
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = sty.Spinner
	return Model{
		ctx:     ctx,
		ctrl:    ctrl,
		title:   title,
		styles:  sty,
		bar:     bubblesprogress.New(bubblesprogress.WithDefaultGradient(), bubblesprogress.WithWidth(40)),
		spinner: sp,
		last:    ctrl.Snapshot(),
	}
}

// Last returns the most recent update the model rendered.
func (m Model) Last() controller.Update {
	return m.last
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return tea.Quit()
		case u := <-m.ctrl.Updates():
			return updateMsg(u)
		}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		m.last = controller.Update(msg)
		if msg.Notice != "" {
			m.notice = msg.Notice
		}
		if Finished(m.last) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, m.listen()

	case actionDoneMsg:
		m.cancelling = false
		switch {
		case msg.err == nil:
		case errors.Is(msg.err, controller.ErrNoActiveJob):
			m.quitting = true
			return m, tea.Quit
		default:
			m.notice = msg.err.Error()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.last.NeedsConfirmation {
		switch msg.String() {
		case "y", "Y":
			return m, m.resolve(true)
		case "n", "N", "q", "ctrl+c":
			return m, m.resolve(false)
		}
		return m, nil
	}
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		if m.cancelling {
			return m, nil
		}
		m.cancelling = true
		return m, m.cancel()
	}
	return m, nil
}

func (m Model) cancel() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{err: ctrl.Cancel(ctx)}
	}
}

func (m Model) resolve(confirmed bool) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		_, err := ctrl.Resolve(ctx, confirmed)
		return actionDoneMsg{err: err}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	u := m.last
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	if u.JobID != "" {
		b.WriteString(" " + m.styles.Faint.Render(u.JobID))
	}
	b.WriteString("\n\n")

	switch {
	case u.View.Phase == progress.PhaseSuccess:
		b.WriteString(m.bar.ViewAs(1) + " " + m.styles.Success.Render("done"))
	case u.View.Phase.Terminal() || u.Outcome != controller.OutcomeNone:
		b.WriteString(m.styles.Error.Render("stopped"))
	case u.View.Phase == progress.PhaseInit || u.View.Phase == progress.PhasePending:
		b.WriteString(m.spinner.View() + " " + m.styles.Faint.Render("waiting"))
	default:
		b.WriteString(fmt.Sprintf("%s %5.1f%%", m.bar.ViewAs(u.View.Fraction), u.View.Fraction*100))
	}
	b.WriteString("\n")

	style := m.styles.Info
	if u.NeedsConfirmation {
		style = m.styles.Warning
	} else if u.View.Phase == progress.PhaseFailure {
		style = m.styles.Error
	}
	b.WriteString(style.Render(Message(u)))
	if m.notice != "" {
		b.WriteString("\n" + m.styles.Warning.Render(m.notice))
	}
	if !m.quitting {
		hint := "q: cancel job"
		if u.NeedsConfirmation {
			hint = "y: resubmit anyway • n: abandon"
		} else if m.cancelling {
			hint = "cancelling…"
		}
		b.WriteString("\n" + m.styles.Faint.Render(hint))
	}
	return m.styles.Box.Render(b.String()) + "\n"
}
