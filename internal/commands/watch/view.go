package watch

import (
	"fmt"
	"strings"
)

// View renders the watch view.
func (m *Model) View() string {
	var sb strings.Builder

	sb.WriteString(m.styles.Title.Render(fmt.Sprintf("Post %s", m.postID)))
	sb.WriteString("\n")

	if m.loading {
		sb.WriteString(m.spinner.View() + " loading from server\n\n")
	}

	liked := "no"
	if m.snapshot.LikedByMe {
		liked = "yes"
	}

	counters := []string{
		m.row("Likes", fmt.Sprintf("%d", m.snapshot.LikeCount)),
		m.row("Comments", fmt.Sprintf("%d", m.snapshot.CommentCount)),
		m.row("Reactions", fmt.Sprintf("%d", m.snapshot.ReactionCount)),
		m.row("Liked", liked),
	}
	sb.WriteString(m.styles.Box.Render(strings.Join(counters, "\n")))
	sb.WriteString("\n\n")

	connection := m.styles.Online.Render("online")
	if !m.status.IsOnline {
		connection = m.styles.Offline.Render("offline")
	}
	sb.WriteString(m.row("Network", connection) + "\n")
	sb.WriteString(m.row("Queue", fmt.Sprintf("%d pending, %d failed", m.status.PendingCount, m.status.FailedCount)) + "\n")

	if m.stale {
		sb.WriteString(m.styles.Warning.Render("Live updates unavailable, data may be stale") + "\n")
	}

	if len(m.pending) > 0 {
		sb.WriteString("\n")
		for _, a := range m.pending {
			line := fmt.Sprintf("%s %s (attempt %d)", a.Kind, a.Status, a.Attempts+1)
			sb.WriteString(m.styles.Pending.Render("• "+line) + "\n")
		}
	}

	if len(m.events) > 0 {
		sb.WriteString("\n" + m.styles.Subtle.Render("Recent activity") + "\n")
		for _, line := range m.events {
			sb.WriteString(m.styles.EventRow.Render(line) + "\n")
		}
	}

	if m.err != "" {
		sb.WriteString("\n" + m.styles.Error.Render("Error: "+m.err) + "\n")
	}

	sb.WriteString("\n" + m.help.View(m.keymap))
	return sb.String()
}

func (m *Model) row(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value)
}
