package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/inboxd/mailsync/internal/provider"
)

const (
	syncStream   = "MAIL_SYNC"
	renewStream  = "MAIL_RENEWALS"
	eventsStream = "MAIL_EVENTS"

	syncSubjects   = "sync.>"
	renewSubjects  = "renewal.>"
	eventsSubjects = "mail.events.>"
)

// Queue wraps NATS JetStream for the sync queue, the renewal queue, and
// the outbound change-event feed.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials NATS and obtains a JetStream context.
func Connect(url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	return &Queue{nc: nc, js: js}, nil
}

// EnsureStreams creates the three streams if they do not exist yet.
func (q *Queue) EnsureStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:       syncStream,
			Subjects:   []string{syncSubjects},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:       renewStream,
			Subjects:   []string{renewSubjects},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:       eventsStream,
			Subjects:   []string{eventsSubjects},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     30 * 24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if _, err := q.js.StreamInfo(cfg.Name); err == nil {
			continue
		}
		if _, err := q.js.AddStream(cfg); err != nil {
			if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				continue
			}
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// PublishSync enqueues a sync work item. The subject carries the
// subscription name as its own token so a partitioned consumer can
// serialize per connection; the MsgId deduplicates provider redeliveries
// of the same notification.
func (q *Queue) PublishSync(item SyncWorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal sync item: %w", err)
	}
	subject := fmt.Sprintf("sync.%s.%s", subjectToken(string(item.ProviderID)), subjectToken(item.SubscriptionName))
	msgID := fmt.Sprintf("sync|%s|%s", item.SubscriptionName, item.HistoryID)

	if _, err := q.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish sync item: %w", err)
	}
	return nil
}

// PublishRenewal enqueues a renewal work item. dedupeKey lets redundant
// scheduler instances enqueue the same stale connection only once per
// dedupe window.
func (q *Queue) PublishRenewal(item RenewalWorkItem, dedupeKey string) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal renewal item: %w", err)
	}
	subject := fmt.Sprintf("renewal.%s", subjectToken(string(item.ProviderID)))
	msgID := fmt.Sprintf("renew|%s|%s", item.ConnectionID, dedupeKey)

	if _, err := q.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish renewal item: %w", err)
	}
	return nil
}

// PublishEvent hands a change event to the indexing feed, deduplicated on
// connection, thread, kind, and cursor so downstream replays are idempotent.
func (q *Queue) PublishEvent(ev provider.ChangeEvent, cursor string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	subject := fmt.Sprintf("mail.events.%s.%s", subjectToken(ev.ConnectionID), subjectToken(string(ev.Kind)))
	msgID := fmt.Sprintf("event|%s|%s|%s|%s", ev.ConnectionID, ev.ThreadID, ev.Kind, cursor)

	if _, err := q.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// SyncBatch is one delivered batch of sync work items. Ack removes the
// whole batch at once, regardless of individual item outcomes.
type SyncBatch struct {
	items []SyncWorkItem
	msgs  []*nats.Msg
}

// Items returns the decoded work items of the batch.
func (b *SyncBatch) Items() []SyncWorkItem {
	return b.items
}

// Ack acknowledges the entire batch. Work-queue streams demand an
// explicit ack per message, so every message is acked here in one pass
// once the batch has settled; a failed ack does not stop the rest.
func (b *SyncBatch) Ack() error {
	var firstErr error
	for _, m := range b.msgs {
		if err := m.Ack(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncConsumer is a pull consumer over the sync stream.
type SyncConsumer struct {
	sub *nats.Subscription
}

// SyncConsumer binds the durable batch consumer for the workflow runner.
// The stream's work-queue retention only admits explicit-ack consumers;
// batch-level semantics live in SyncBatch.Ack, which settles the whole
// batch at once.
func (q *Queue) SyncConsumer() (*SyncConsumer, error) {
	sub, err := q.js.PullSubscribe(syncSubjects, "sync-runner",
		nats.AckExplicit(),
		nats.BindStream(syncStream),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe sync stream: %w", err)
	}
	return &SyncConsumer{sub: sub}, nil
}

// Fetch pulls the next batch, waiting up to wait for at least one item.
// Returns (nil, nil) when the wait elapses empty.
func (c *SyncConsumer) Fetch(ctx context.Context, batchSize int, wait time.Duration) (*SyncBatch, error) {
	msgs, err := c.sub.Fetch(batchSize, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch sync batch: %w", err)
	}

	batch := &SyncBatch{msgs: msgs}
	for _, m := range msgs {
		var item SyncWorkItem
		if err := json.Unmarshal(m.Data, &item); err != nil {
			log.Printf("queue: dropping undecodable sync item on %s: %v", m.Subject, err)
			continue
		}
		batch.items = append(batch.items, item)
	}
	return batch, nil
}

// RenewalMsg is one delivered renewal item, acknowledged individually.
type RenewalMsg struct {
	Item RenewalWorkItem
	msg  *nats.Msg
}

// Ack removes the item from the renewal queue. Failed renewals are acked
// too: recovery comes from the next scheduler pass, not redelivery.
func (m *RenewalMsg) Ack() error {
	if m.msg == nil {
		return nil
	}
	return m.msg.Ack()
}

// RenewalConsumer is a pull consumer over the renewal stream.
type RenewalConsumer struct {
	sub *nats.Subscription
}

// RenewalConsumer binds the durable consumer for the renewal worker.
func (q *Queue) RenewalConsumer() (*RenewalConsumer, error) {
	sub, err := q.js.PullSubscribe(renewSubjects, "renewal-worker",
		nats.AckExplicit(),
		nats.BindStream(renewStream),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe renewal stream: %w", err)
	}
	return &RenewalConsumer{sub: sub}, nil
}

// Fetch pulls up to batchSize renewal items. Returns an empty slice when
// the wait elapses with nothing pending.
func (c *RenewalConsumer) Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]*RenewalMsg, error) {
	msgs, err := c.sub.Fetch(batchSize, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch renewal items: %w", err)
	}

	out := make([]*RenewalMsg, 0, len(msgs))
	for _, m := range msgs {
		var item RenewalWorkItem
		if err := json.Unmarshal(m.Data, &item); err != nil {
			log.Printf("queue: dropping undecodable renewal item on %s: %v", m.Subject, err)
			_ = m.Ack()
			continue
		}
		out = append(out, &RenewalMsg{Item: item, msg: m})
	}
	return out, nil
}

// Close drains the NATS connection.
func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}
