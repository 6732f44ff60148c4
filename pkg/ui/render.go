package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

const streamingCursor = "▍"

// RenderTimeline renders the messages of snap, wrapped to width. The streaming placeholder
// shows the partial text accumulated so far. Confirmed assistant replies go through md when
// it is set.
func RenderTimeline(snap chatsync.Snapshot, width int, md MarkdownFunc) string {
	if len(snap.Timeline) == 0 {
		if snap.ConversationID == "" {
			return emptyStyle.Render("No conversation. Type a message to start one.")
		}
		return emptyStyle.Render("No messages yet.")
	}
	body := lipgloss.NewStyle()
	if width > 0 {
		body = body.Width(width)
	}

	var sb strings.Builder
	for i, m := range snap.Timeline {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(label(m))
		sb.WriteString("\n")
		switch m.Status {
		case chatsync.StatusStreaming:
			sb.WriteString(body.Inherit(streamingStyle).Render(snap.PartialText + streamingCursor))
		case chatsync.StatusPending:
			sb.WriteString(body.Inherit(pendingStyle).Render(m.Content))
		case chatsync.StatusFailed:
			sb.WriteString(body.Render(m.Content))
			sb.WriteString("\n")
			sb.WriteString(failedStyle.Render("✗ not sent, ctrl+r to retry"))
		default:
			if md != nil && m.SenderType == chatsync.SenderAssistant {
				sb.WriteString(md(m.Content, width))
				continue
			}
			sb.WriteString(body.Render(m.Content))
		}
	}
	return sb.String()
}

func label(m chatsync.Message) string {
	l := userLabelStyle.Render("you")
	if m.SenderType == chatsync.SenderAssistant {
		l = assistantLabelStyle.Render("assistant")
	}
	switch m.Status {
	case chatsync.StatusPending:
		l += pendingStyle.Render(" · sending")
	case chatsync.StatusStreaming:
		l += pendingStyle.Render(" · typing")
	}
	return l
}

// StatusLine summarizes the conversation state. spin is the spinner frame shown while a
// reply streams.
func StatusLine(snap chatsync.Snapshot, spin string) string {
	var parts []string
	if snap.ConversationID == "" {
		parts = append(parts, "new conversation")
	} else {
		parts = append(parts, snap.ConversationID)
	}
	parts = append(parts, snap.State.String())
	if snap.State != chatsync.StateClosed {
		if snap.LiveUpdates {
			parts = append(parts, "live")
		} else {
			parts = append(parts, "history only")
		}
	}
	line := strings.Join(parts, " · ")
	if snap.IsStreaming && spin != "" {
		line += " " + spin
	}
	if snap.HistoryErr != nil {
		return statusWarnStyle.Render(line + " · history failed, ctrl+r to reload")
	}
	if snap.State != chatsync.StateClosed && !snap.LiveUpdates {
		return statusWarnStyle.Render(line)
	}
	return statusStyle.Render(line)
}

// lastFailed returns the local id of the newest failed send.
func lastFailed(snap chatsync.Snapshot) (string, bool) {
	for i := len(snap.Timeline) - 1; i >= 0; i-- {
		if snap.Timeline[i].Status == chatsync.StatusFailed {
			return snap.Timeline[i].LocalID, true
		}
	}
	return "", false
}

// lastAssistant returns the newest complete assistant message.
func lastAssistant(snap chatsync.Snapshot) (chatsync.Message, bool) {
	for i := len(snap.Timeline) - 1; i >= 0; i-- {
		m := snap.Timeline[i]
		if m.SenderType == chatsync.SenderAssistant && m.Status == chatsync.StatusConfirmed {
			return m, true
		}
	}
	return chatsync.Message{}, false
}
