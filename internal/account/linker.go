package account

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/store"
)

// Connections is the slice of the connection store linking needs.
type Connections interface {
	GetConnection(ctx context.Context, id string) (*store.Connection, error)
	FindConnection(ctx context.Context, accountID string, prov provider.ID, email string) (*store.Connection, error)
	UpsertConnection(ctx context.Context, c *store.Connection) error
	DeleteConnection(ctx context.Context, id string) error
	MarkSubscribed(ctx context.Context, id string, prov provider.ID, subscriptionID string, at time.Time) error
	EnsureSubscriptionAge(ctx context.Context, id string, prov provider.ID, at time.Time) error
}

// Service is the connection lifecycle hook: it runs when a user completes
// or re-authenticates OAuth linking, and when they disconnect a mailbox.
type Service struct {
	Store   Connections
	Clients provider.Factory
}

// Link validates a freshly obtained token pair and persists the
// connection. This is the one place a provider API error is fatal to the
// caller: with no stored connection yet, there is nothing to isolate the
// failure to, and the user must see that linking failed.
func (s *Service) Link(ctx context.Context, accountID string, prov provider.ID, tokens provider.TokenPair, scope string) (*store.Connection, error) {
	probe, err := s.Clients(ctx, prov, provider.ConnInfo{Tokens: tokens})
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", prov, err)
	}

	info, err := probe.GetUserInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate %s tokens: %w", prov, err)
	}

	conn, err := s.Store.FindConnection(ctx, accountID, prov, info.Address)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn = &store.Connection{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Provider:  prov,
			Email:     info.Address,
		}
	}
	conn.AccessToken = tokens.AccessToken
	conn.RefreshToken = tokens.RefreshToken
	conn.TokenExpiresAt = tokens.Expiry
	conn.Scope = scope

	if err := s.Store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	// Seed the age index so the renewal scan covers this connection even
	// if the eager establishment below fails.
	if err := s.Store.EnsureSubscriptionAge(ctx, conn.ID, prov, time.Unix(0, 0)); err != nil {
		log.Printf("account: seed subscription age for %s: %v", conn.ID, err)
	}

	// Establish the push subscription right away rather than leaving a
	// multi-hour gap until the first scheduler pass. Failure here is not
	// fatal: the connection is linked, and renewal will catch up. On a
	// re-link the existing subscription id rides along so providers that
	// extend subscriptions do not mint a duplicate.
	client, err := s.Clients(ctx, prov, provider.ConnInfo{
		ID:             conn.ID,
		Email:          conn.Email,
		SubscriptionID: conn.SubscriptionID,
		Tokens:         tokens,
	})
	if err == nil {
		if sub, serr := client.EstablishSubscription(ctx); serr != nil {
			log.Printf("account: eager subscription for %s failed, deferring to renewal: %v", conn.ID, serr)
		} else if merr := s.Store.MarkSubscribed(ctx, conn.ID, prov, sub.ID, time.Now()); merr != nil {
			log.Printf("account: record subscription for %s: %v", conn.ID, merr)
		} else {
			conn.SubscriptionID = sub.ID
		}
	}

	return conn, nil
}

// Disconnect revokes the connection's tokens best-effort and deletes the
// record. Deleting an account's last remaining connection is rejected
// with store.ErrLastConnection.
func (s *Service) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := s.Store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	if conn.HasTokens() {
		client, err := s.Clients(ctx, conn.Provider, provider.ConnInfo{
			ID:    conn.ID,
			Email: conn.Email,
			Tokens: provider.TokenPair{
				AccessToken:  conn.AccessToken,
				RefreshToken: conn.RefreshToken,
				Expiry:       conn.TokenExpiresAt,
			},
		})
		if err != nil {
			log.Printf("account: create %s client to revoke %s: %v", conn.Provider, conn.ID, err)
		} else if !client.RevokeToken(ctx, conn.RefreshToken) {
			log.Printf("account: token revocation for %s did not complete", conn.ID)
		}
	}

	return s.Store.DeleteConnection(ctx, connectionID)
}
