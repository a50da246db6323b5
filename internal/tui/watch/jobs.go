package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

var statusIcons = map[job.Status]string{
	job.StatusNew:       "·",
	job.StatusQueued:    "○",
	job.StatusRunning:   "▶",
	job.StatusCompleted: "✓",
	job.StatusFailed:    "!",
	job.StatusBroken:    "✗",
	job.StatusPaused:    "‖",
}

// summaryOrder is the order statuses appear in the counts line.
var summaryOrder = []job.Status{
	job.StatusQueued, job.StatusRunning, job.StatusPaused,
	job.StatusCompleted, job.StatusBroken, job.StatusNew,
}

func newJobTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 8},
			{Title: "Type", Width: 16},
			{Title: "Status", Width: 10},
			{Title: "Pri", Width: 4},
			{Title: "Tries", Width: 5},
			{Title: "Next run", Width: 10},
			{Title: "Last error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func jobRows(jobs []*job.Descriptor, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, d := range jobs {
		next := "-"
		if d.Status == job.StatusQueued {
			if wait := d.ScheduledFor.Sub(now); wait > 0 {
				next = "in " + formatDuration(wait.Round(time.Second))
			} else {
				next = "due"
			}
		}
		lastErr := ""
		if d.LastError != nil {
			lastErr = truncate(*d.LastError, 30)
		}
		rows = append(rows, table.Row{
			statusIcons[d.Status],
			shortID(d.ID),
			truncate(d.Type, 16),
			string(d.Status),
			fmt.Sprintf("%d", d.Priority),
			fmt.Sprintf("%d/%d", d.Attempts, d.MaxAttempts),
			next,
			lastErr,
		})
	}
	return rows
}

func renderSummary(jobs []*job.Descriptor, theme Theme) string {
	counts := make(map[job.Status]int)
	for _, d := range jobs {
		counts[d.Status]++
	}
	parts := make([]string, 0, len(summaryOrder))
	for _, s := range summaryOrder {
		parts = append(parts, theme.ForStatus(s).Render(fmt.Sprintf("%s %s %d", statusIcons[s], s, counts[s])))
	}
	return " " + strings.Join(parts, "  ")
}

func renderJobs(t table.Model, jobs []*job.Descriptor, theme Theme, width int) string {
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("JOBS"),
		renderSummary(jobs, theme),
		t.View(),
	))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
