package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/queuedjobs/internal/events"
)

const shownEvents = 10

func renderEventStream(log []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(log) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	lines := make([]string, 0, shownEvents)
	for i, e := range log {
		if i >= shownEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	style := theme.ForEvent(e.Type)
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		style.Render(fmt.Sprintf("%-20s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent pulls the interesting fields out of an event payload.
func describeEvent(e events.Event) string {
	var data struct {
		JobID     string   `json:"job_id"`
		JobType   string   `json:"job_type"`
		Status    string   `json:"status"`
		Attempts  int      `json:"attempts"`
		LastError *string  `json:"last_error"`
		Message   string   `json:"message"`
		Progress  *float64 `json:"progress"`
		Recovered int      `json:"recovered"`
	}
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if data.JobID != "" {
		parts = append(parts, "["+shortID(data.JobID)+"]")
	}
	if data.JobType != "" {
		parts = append(parts, data.JobType)
	}
	switch e.Type {
	case events.JobProgress:
		if data.Progress != nil {
			parts = append(parts, fmt.Sprintf("%.0f%%", *data.Progress*100))
		}
	case events.JobMessage:
		parts = append(parts, data.Message)
	case events.JobRetry, events.JobBroken:
		parts = append(parts, fmt.Sprintf("attempt %d", data.Attempts))
		if data.LastError != nil {
			parts = append(parts, *data.LastError)
		}
	case events.DispatchReconciled:
		parts = append(parts, fmt.Sprintf("recovered %d", data.Recovered))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
