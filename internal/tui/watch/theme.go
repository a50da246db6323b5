// Package watch implements the queuedjobs system watch TUI: a live view of
// queue health, recent descriptors and the event stream.
package watch

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/queuedjobs/internal/events"
	"github.com/mattjoyce/queuedjobs/internal/job"
)

const (
	green  = lipgloss.Color("#00FF00")
	yellow = lipgloss.Color("#FFFF00")
	orange = lipgloss.Color("#FF8800")
	red    = lipgloss.Color("#FF0000")
	blue   = lipgloss.Color("#61AFEF")
	grey   = lipgloss.Color("#888888")
	gold   = lipgloss.Color("#E5C07B")
)

// Theme holds every style the watch view renders with. Status and event
// colours come from one palette so a retried job looks the same in the
// table and in the stream.
type Theme struct {
	Good, Warn, Bad lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Active    lipgloss.Style
	Inactive  lipgloss.Style

	status map[job.Status]lipgloss.Style
}

func fg(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func NewDefaultTheme() Theme {
	t := Theme{
		Good: fg(green),
		Warn: fg(orange),
		Bad:  fg(red).Bold(true),

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#874BFD")),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Padding(0, 1),
		Header:    fg(blue).Bold(true),
		Dim:       fg(grey),
		Highlight: fg(gold),
		Active:    fg(green),
		Inactive:  fg(lipgloss.Color("#444444")),
	}
	t.status = map[job.Status]lipgloss.Style{
		job.StatusCompleted: t.Good,
		job.StatusRunning:   fg(yellow),
		job.StatusFailed:    t.Warn,
		job.StatusBroken:    t.Bad,
		job.StatusPaused:    fg(blue),
	}
	return t
}

// ForStatus picks the colour for a descriptor status; new and queued are dim.
func (t Theme) ForStatus(s job.Status) lipgloss.Style {
	if st, ok := t.status[s]; ok {
		return st
	}
	return t.Dim
}

// ForEvent colours an event by the status it moves a job into.
func (t Theme) ForEvent(eventType string) lipgloss.Style {
	switch eventType {
	case events.JobCompleted:
		return t.ForStatus(job.StatusCompleted)
	case events.JobBroken:
		return t.ForStatus(job.StatusBroken)
	case events.JobRetry:
		return t.ForStatus(job.StatusFailed)
	case events.JobClaimed, events.JobProgress:
		return t.ForStatus(job.StatusRunning)
	case events.JobPaused:
		return t.ForStatus(job.StatusPaused)
	}
	if !strings.HasPrefix(eventType, "job.") {
		return t.Highlight
	}
	return t.Dim
}
