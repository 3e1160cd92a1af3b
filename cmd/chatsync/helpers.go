package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/LuminPulse-AI/chatsync"
)

// getClient creates an API client from the loaded config.
func getClient(cfg *chatsync.Config) (*chatsync.Client, error) {
	if cfg.Server.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'chatsync init' first")
	}
	var opts []chatsync.ClientOption
	if cfg.Server.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	return chatsync.NewClient(cfg.Server.Token, opts...), nil
}

// connector is a transport holding a connection.
type connector interface {
	chatsync.Transport
	Connect(ctx context.Context) error
	Disconnect() error
}

// newTransport builds the realtime transport named in the config.
func newTransport(cfg *chatsync.Config, baseURL string, log *slog.Logger) (connector, error) {
	rc := &chatsync.RealtimeConfig{
		Token:                cfg.Server.Token,
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Logger:               log,
	}
	switch cfg.Server.Transport {
	case "ws", "":
		return chatsync.NewWSTransport(baseURL, rc), nil
	case "sse":
		return chatsync.NewSSETransport(baseURL, rc), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: ws, sse)", cfg.Server.Transport)
	}
}

// formatMessage renders one message as a single line.
func formatMessage(m *chatsync.Message, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s %s", m.ID, humanize.RelTime(m.Timestamp, now, "ago", "from now"), valueOrDefault(m.SenderID, "?"))
	if m.ReplyToMessageID > 0 {
		fmt.Fprintf(&b, " (reply to %d)", m.ReplyToMessageID)
	}
	b.WriteString(": ")
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	case m.Type == chatsync.TypeAttachment && m.AttachmentMeta != nil:
		fmt.Fprintf(&b, "[%s, %s]", m.AttachmentMeta.FileName, humanize.Bytes(uint64(m.AttachmentMeta.Size)))
		if m.Content != "" {
			b.WriteString(" " + m.Content)
		}
	case m.SystemEvent != nil:
		fmt.Fprintf(&b, "<%s>", m.SystemEvent.Kind)
	default:
		b.WriteString(m.Content)
	}
	if len(m.Reactions) > 0 {
		parts := make([]string, 0, len(m.Reactions))
		for emoji, n := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s×%d", emoji, n))
		}
		b.WriteString("  " + strings.Join(parts, " "))
	}
	if m.Status != "" && m.Status != chatsync.StatusSent {
		fmt.Fprintf(&b, "  (%s)", m.Status)
	}
	return b.String()
}

func valueOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// maskKey shows only the ends of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
