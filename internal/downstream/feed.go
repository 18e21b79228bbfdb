package downstream

import (
	"context"

	"github.com/inboxd/mailsync/internal/provider"
)

// EventPublisher is the queue surface the feed needs.
type EventPublisher interface {
	PublishEvent(ev provider.ChangeEvent, cursor string) error
}

// EventFeed hands change events to the indexing collaborator through the
// durable event stream; deduplication happens at the stream boundary.
type EventFeed struct {
	pub EventPublisher
}

// NewEventFeed creates the indexing-feed dispatcher.
func NewEventFeed(pub EventPublisher) *EventFeed {
	return &EventFeed{pub: pub}
}

// Name identifies the collaborator in logs.
func (f *EventFeed) Name() string {
	return "index-feed"
}

// Dispatch publishes one change event to the feed.
func (f *EventFeed) Dispatch(ctx context.Context, ev provider.ChangeEvent, cursor string) error {
	return f.pub.PublishEvent(ev, cursor)
}
