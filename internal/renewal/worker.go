package renewal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/queue"
	"github.com/inboxd/mailsync/internal/store"
)

// Connections is the slice of the connection store the worker needs.
type Connections interface {
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	MarkSubscribed(ctx context.Context, id string, prov provider.ID, subscriptionID string, at time.Time) error
	UpdateTokens(ctx context.Context, id string, tokens provider.TokenPair) error
}

// ItemSource delivers renewal work items.
type ItemSource interface {
	Fetch(ctx context.Context, batchSize int, wait time.Duration) ([]*queue.RenewalMsg, error)
}

// Worker consumes renewal work items and re-establishes push
// subscriptions, one connection at a time. One tenant's revoked token
// must never halt renewal for the others, so every failure is contained
// to its own item.
type Worker struct {
	Connections Connections
	Clients     provider.Factory

	BatchSize   int
	FetchWait   time.Duration
	ItemTimeout time.Duration
}

// Run consumes renewal items until ctx is cancelled. Items are always
// acknowledged: a failed renewal is retried by a later scheduler pass,
// not by queue redelivery.
func (w *Worker) Run(ctx context.Context, source ItemSource) {
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	wait := w.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := source.Fetch(ctx, batchSize, wait)
		if err != nil {
			log.Printf("renewal: fetch items: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			if err := w.Renew(ctx, msg.Item); err != nil {
				log.Printf("renewal: connection %s: %v", msg.Item.ConnectionID, err)
			}
			if err := msg.Ack(); err != nil {
				log.Printf("renewal: ack item for connection %s: %v", msg.Item.ConnectionID, err)
			}
		}
	}
}

// Renew re-establishes the push subscription for one connection and, on
// success, advances its age-index timestamp.
func (w *Worker) Renew(ctx context.Context, item queue.RenewalWorkItem) error {
	timeout := w.ItemTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := w.Connections.GetConnection(ctx, item.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn == nil {
		// Disconnected after the scan; nothing left to renew.
		return nil
	}

	if !conn.HasTokens() {
		// Cannot renew an unauthenticated connection. Terminal for this
		// connection, not retryable.
		log.Printf("renewal: connection %s has no usable tokens, skipping", conn.ID)
		return nil
	}

	client, err := w.Clients(ctx, item.ProviderID, provider.ConnInfo{
		ID:             conn.ID,
		Email:          conn.Email,
		SubscriptionID: conn.SubscriptionID,
		Tokens: provider.TokenPair{
			AccessToken:  conn.AccessToken,
			RefreshToken: conn.RefreshToken,
			Expiry:       conn.TokenExpiresAt,
		},
		OnTokens: func(tokens provider.TokenPair) error {
			return w.Connections.UpdateTokens(context.Background(), conn.ID, tokens)
		},
	})
	if err != nil {
		return fmt.Errorf("create %s client: %w", item.ProviderID, err)
	}

	sub, err := client.EstablishSubscription(ctx)
	if err != nil {
		return fmt.Errorf("establish subscription: %w", err)
	}

	if err := w.Connections.MarkSubscribed(ctx, conn.ID, item.ProviderID, sub.ID, time.Now()); err != nil {
		return fmt.Errorf("mark subscribed: %w", err)
	}

	log.Printf("renewal: connection %s subscription %s renewed until %s",
		conn.ID, sub.ID, sub.ExpiresAt.Format(time.RFC3339))
	return nil
}
