// Package tui renders live batch progress with bubbletea and the final
// summary table with lipgloss.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/JakeFAU/icon-resolver/internal/progress"
)

const recentItems = 5

// Model is the bubbletea model of one running batch. It quits once the
// update channel is closed.
type Model struct {
	updates   <-chan progress.Event
	cancel    func()
	started   time.Time
	width     int
	total     int
	completed int
	counts    progress.Counts
	recent    []string
	canceling bool
	quitting  bool
}

type doneMsg struct{}

type eventMsg progress.Event

// NewModel builds a Model reading from updates. cancel is invoked when the
// user presses q or ctrl+c; it may be nil.
func NewModel(updates <-chan progress.Event, cancel func()) Model {
	return Model{updates: updates, cancel: cancel, started: time.Now()}
}

// Init starts listening for progress events.
func (m Model) Init() tea.Cmd {
	return listenForUpdates(m.updates)
}

// Update folds progress events and key presses into the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m = m.apply(progress.Event(msg))
		return m, listenForUpdates(m.updates)
	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.canceling && m.cancel != nil {
				m.cancel()
			}
			m.canceling = true
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	default:
		return m, nil
	}
}

func (m Model) apply(evt progress.Event) Model {
	// Events may arrive batched out of order; Completed only moves forward.
	if evt.Total > 0 {
		m.total = evt.Total
	}
	if evt.Completed >= m.completed {
		m.completed = evt.Completed
		m.counts = evt.Counts
	}
	if evt.Stage == progress.StageItemDone {
		line := fmt.Sprintf("%s %s", outcomeLabel(evt.Outcome), evt.Identifier)
		m.recent = append(m.recent, line)
		if len(m.recent) > recentItems {
			m.recent = m.recent[len(m.recent)-recentItems:]
		}
	}
	return m
}

// View renders the progress panel.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	barWidth := 40
	if m.width > 0 {
		barWidth = max(min(60, m.width-10), 20)
	}
	ratio := 0.0
	if m.total > 0 {
		ratio = min(float64(m.completed)/float64(m.total), 1)
	}

	title := "icon-resolver"
	if m.canceling {
		title += warnStyle.Render("  canceling, waiting for in-flight lookups")
	}
	lines := []string{
		titleStyle.Render(title),
		labelStyle.Render(fmt.Sprintf("Identifiers: %d/%d", m.completed, m.total)),
		successStyle.Render(fmt.Sprintf("success:%d", m.counts.Success)) +
			dimStyle.Render(fmt.Sprintf("  skipped:%d  not found:%d", m.counts.Skipped, m.counts.NotFound)) +
			errorStyle.Render(fmt.Sprintf("  error:%d", m.counts.Error)),
		dimStyle.Render(fmt.Sprintf("Elapsed: %s", time.Since(m.started).Round(time.Millisecond))),
		barStyle.Render(renderBar(barWidth, ratio)),
	}
	for _, line := range m.recent {
		lines = append(lines, dimStyle.Render("  "+line))
	}
	return strings.Join(lines, "\n")
}

func outcomeLabel(o progress.Outcome) string {
	switch o {
	case progress.OutcomeSuccess:
		return successStyle.Render("ok  ")
	case progress.OutcomeError:
		return errorStyle.Render("err ")
	case progress.OutcomeCanceled:
		return warnStyle.Render("skip")
	default:
		return dimStyle.Render("--  ")
	}
}

func listenForUpdates(updates <-chan progress.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-updates
		if !ok {
			return doneMsg{}
		}
		return eventMsg(evt)
	}
}

func renderBar(width int, ratio float64) string {
	filled := min(max(int(ratio*float64(width)+0.5), 0), width)
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}
