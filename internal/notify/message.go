package notify

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/chatsync/internal/connection"
	"github.com/dgnsrekt/chatsync/internal/model"
)

const maxBodyLen = 500

// FormatMessageTitle names the channel and author.
func FormatMessageTitle(msg model.Message) string {
	author := msg.User.Name
	if author == "" {
		author = msg.User.ID
	}
	return fmt.Sprintf("%s in %s", author, msg.ChannelID)
}

// FormatMessageBody returns the message text, truncated for push delivery.
func FormatMessageBody(msg model.Message) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "(no text)"
	}
	if r := []rune(text); len(r) > maxBodyLen {
		return string(r[:maxBodyLen]) + "…"
	}
	return text
}

// FormatDisconnectMessage describes a lost connection.
func FormatDisconnectMessage(userID string, state connection.State) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("User: %s\n", userID))
	sb.WriteString(fmt.Sprintf("State: %s", state.Kind))
	if state.Err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", state.Err))
	}

	return sb.String()
}
