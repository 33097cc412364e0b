package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/runlog/internal/output"
)

// columns sizes the table for a terminal width; the entity column takes the
// slack.
func columns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "ATTEMPT", Width: 26},
		{Title: "STATE", Width: 10},
		{Title: "PROGRESS", Width: 22},
		{Title: "SIZE", Width: 9},
		{Title: "STARTED", Width: 10},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	entityWidth := width - used - 6
	if entityWidth < 16 {
		entityWidth = 16
	}
	return append([]table.Column{{Title: "ENTITY", Width: entityWidth}}, fixed...)
}

func tableRows(rows []Row, width int) []table.Row {
	entityWidth := columns(width)[0].Width
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		started := ""
		if !r.Started.IsZero() {
			started = output.FormatTimeAgo(r.Started)
		}
		out = append(out, table.Row{
			ansi.Truncate(r.Entity, entityWidth, "…"),
			r.Attempt,
			r.State,
			output.FormatProgress(r.Acked, r.Put),
			output.FormatBytes(r.Bytes),
			started,
		})
	}
	return out
}

func (m Model) renderView() string {
	var b strings.Builder

	header := titleStyle.Render("runlog monitor")
	if m.Version != "" {
		header += " " + subtleStyle.Render(m.Version)
	}
	b.WriteString(header + "\n")
	b.WriteString(subtleStyle.Render(m.Root) + "\n\n")

	if m.err != nil {
		b.WriteString(errorTextStyle.Render("error: "+m.err.Error()) + "\n")
	}

	if len(m.rows) == 0 {
		b.WriteString(panelStyle.Render(subtleStyle.Render("No attempt directories. Everything is synchronised.")) + "\n")
	} else {
		b.WriteString(panelTitleStyle.Render(fmt.Sprintf("Attempts (%d)", len(m.rows))) + "\n")
		b.WriteString(panelStyle.Render(m.table.View()) + "\n")
	}

	pending, bytes := totals(m.rows)
	summary := fmt.Sprintf("%s pending · %s on disk", formatCount(pending), output.FormatBytes(bytes))
	if pending > 0 {
		summary = formatState("pending") + " " + summary
	}
	b.WriteString(summary + "\n")

	switch {
	case m.syncing:
		b.WriteString(m.spinner.View() + " syncing…\n")
	case m.lastSync != "" && m.lastSyncOK:
		b.WriteString(noticeStyle.Render(m.lastSync) + "\n")
	case m.lastSync != "":
		b.WriteString(errorTextStyle.Render(m.lastSync) + "\n")
	}

	help := []string{keys.Refresh.Help().Key + " " + keys.Refresh.Help().Desc}
	if m.SyncFunc != nil {
		help = append(help, keys.Sync.Help().Key+" "+keys.Sync.Help().Desc)
	}
	help = append(help, keys.Quit.Help().Key+" "+keys.Quit.Help().Desc)
	b.WriteString(helpStyle.Render(strings.Join(help, " · ")))
	return b.String()
}

func formatCount(n uint64) string {
	if n == 1 {
		return "1 operation"
	}
	return fmt.Sprintf("%d operations", n)
}
