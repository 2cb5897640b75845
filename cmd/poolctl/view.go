package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/saltenhof/gemini-session-pool/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))
	freeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func render(m *model) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("gemini-session-pool"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(m.addr))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(fmt.Sprintf("error polling pool status: %v", m.lastErr)))
		b.WriteString("\n\n")
	}

	b.WriteString(renderSummary(m.status))
	b.WriteString("\n\n")
	b.WriteString(renderSlots(m.status.Slots))

	if len(m.status.Queue) > 0 {
		b.WriteString("\n\n")
		b.WriteString(renderQueue(m.status.Queue))
	}

	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("last updated %s   q to quit", m.lastFetch.Format(time.TimeOnly))))

	return boxStyle.Render(b.String())
}

func renderSummary(status types.PoolStatus) string {
	sys := status.System
	return fmt.Sprintf(
		"%s  %s %d  %s %d  %s %d    chrome_alive=%v logged_in=%v enterprise=%v uptime=%.0fs",
		headerStyle.Render("slots:"),
		freeStyle.Render("free"), status.FreeCount,
		busyStyle.Render("busy"), status.BusyCount,
		errorStyle.Render("error"), status.ErrorCount,
		sys.ChromeAlive, sys.LoggedIn, sys.Enterprise, sys.UptimeS,
	)
}

func renderSlots(slots []types.SlotStatus) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-7s %-16s %6s %4s  %s", "SLOT", "STATE", "OWNER", "IDLE_S", "MSGS", "PREVIEW")))
	for _, s := range slots {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-10s %-7s %-16s %6d %4d  %s",
			s.ID, stateBadge(s.State), truncate(s.Owner, 16), s.IdleSeconds, s.MessageCount, truncate(s.MessagePreview, 40)))
	}
	return b.String()
}

func renderQueue(queue []types.QueueEntryStatus) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-4s %-16s %s", "POS", "OWNER", "WAITING_S")))
	for _, q := range queue {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%-4d %-16s %d", q.Position, truncate(q.Owner, 16), q.WaitingSinceS))
	}
	return b.String()
}

func stateBadge(state string) string {
	switch state {
	case "free":
		return freeStyle.Render(state)
	case "busy":
		return busyStyle.Render(state)
	case "error":
		return errorStyle.Render(state)
	default:
		return state
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
