package queue

import (
	"strings"

	"github.com/inboxd/mailsync/internal/provider"
)

// SyncWorkItem is one mailbox-change notification to resolve. Ephemeral:
// it lives only on the sync stream.
type SyncWorkItem struct {
	ProviderID       provider.ID `json:"provider_id"`
	HistoryID        string      `json:"history_id"`
	SubscriptionName string      `json:"subscription_name"`
}

// RenewalWorkItem is one push subscription to re-establish. Produced only
// by the renewal scheduler's scan, never by the notification hot path.
type RenewalWorkItem struct {
	ConnectionID string      `json:"connection_id"`
	ProviderID   provider.ID `json:"provider_id"`
}

// subjectToken makes a value safe for use as one NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
