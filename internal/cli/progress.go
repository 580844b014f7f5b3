package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/graphdoc-go/internal/ingest"
)

const uiTick = 200 * time.Millisecond

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Warning lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Warning: lipgloss.Color("#FFAF00"), // amber
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers re-reading the queue snapshot.
type tickMsg time.Time

// queueModel is the bubbletea model tracking every record in the queue.
type queueModel struct {
	queue    *ingest.Queue
	records  []ingest.Record
	progress progress.Model
	theme    Theme
	quitting bool
}

// newQueueModel creates a new queue progress model.
func newQueueModel(q *ingest.Queue) queueModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(30),
	)

	return queueModel{
		queue:    q,
		records:  q.Records(),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m queueModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m queueModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.retryFailed()
		case "d":
			m.dismissFailed()
			m.records = m.queue.Records()
		}

	case tickMsg:
		m.records = m.queue.Records()

		// Leave automatically once everything succeeded; failures keep
		// the display open so they can be retried or dismissed.
		if m.queue.Settled() && !m.anyError() {
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m queueModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m queueModel) renderContent() string {
	var b strings.Builder

	for _, rec := range m.records {
		b.WriteString(m.renderRecord(rec))
	}

	b.WriteString("\n")
	hint := "Press q to quit"
	if m.anyRetryable() {
		hint += ", r to retry failed files, d to dismiss them"
	} else if m.anyError() {
		hint += ", d to dismiss failed files"
	}
	b.WriteString(m.theme.hintStyle().Render(hint))
	b.WriteString("\n")

	return b.String()
}

// renderRecord builds one record's line (plus an error detail line).
func (m queueModel) renderRecord(rec ingest.Record) string {
	name := rec.File.Name
	if len(name) > 28 {
		name = name[:25] + "..."
	}

	switch rec.Phase {
	case ingest.PhaseSuccess:
		line := fmt.Sprintf("%s %-28s", m.theme.completedStyle().Render("✓"), name)
		if rec.Result != nil {
			line += m.theme.hintStyle().Render(
				fmt.Sprintf("  %d chunks, %d nodes, %d relations",
					rec.Result.NumChunks,
					rec.Result.GraphNodesCreated,
					rec.Result.GraphRelationshipsCreated))
		}
		return line + "\n"

	case ingest.PhaseError:
		line := fmt.Sprintf("%s %-28s\n", m.theme.errorStyle().Render("✗"), name)
		if rec.Err != nil {
			detail := "  " + rec.Err.Message
			if rec.Err.Retryable {
				remaining := ingest.MaxRetries - m.queue.Controller().Attempts(rec.ID)
				detail += fmt.Sprintf(" (%d retries left)", remaining)
				line += m.theme.warningStyle().Render(detail) + "\n"
			} else {
				line += m.theme.errorStyle().Render(detail) + "\n"
			}
		}
		return line

	default:
		status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", rec.Phase))
		bar := m.progress.ViewAs(float64(rec.Progress) / 100)
		return fmt.Sprintf("%s %-28s %s %3d%%\n", status, name, bar, rec.Progress)
	}
}

func (m queueModel) anyError() bool {
	for _, rec := range m.records {
		if rec.Phase == ingest.PhaseError {
			return true
		}
	}
	return false
}

func (m queueModel) anyRetryable() bool {
	for _, rec := range m.records {
		if rec.Phase == ingest.PhaseError && rec.Err != nil && rec.Err.Retryable {
			return true
		}
	}
	return false
}

// retryFailed re-submits every retryable failed record.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m queueModel) retryFailed() tea.Cmd {
	var ids []string
	for _, rec := range m.records {
		if rec.Phase == ingest.PhaseError && rec.Err != nil && rec.Err.Retryable {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	q := m.queue
	return func() tea.Msg {
		for _, id := range ids {
			if _, err := q.Retry(context.Background(), id); err != nil {
				logger.Warn("retry failed", "record_id", id, "error", err)
			}
		}
		return nil
	}
}

// dismissFailed removes every failed record from the queue.
func (m queueModel) dismissFailed() {
	for _, rec := range m.records {
		if rec.Phase == ingest.PhaseError {
			m.queue.Remove(rec.ID)
		}
	}
}

// tickCmd returns a command that sends a tick after the refresh interval.
func tickCmd() tea.Cmd {
	return tea.Tick(uiTick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// runQueueProgress runs the interactive progress UI until every record
// settles (or the user quits) and reports failures through the exit error.
func runQueueProgress(q *ingest.Queue) error {
	p := tea.NewProgram(newQueueModel(q))

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	return queueExitError(q)
}
