package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ID identifies a supported mail provider.
type ID string

const (
	Google    ID = "google"
	Microsoft ID = "microsoft"
)

// ErrUnsupportedProvider is returned by ParseID and factories for ids
// outside the supported set.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// ErrCursorInvalid signals that the provider no longer accepts the stored
// delta cursor (too old or expired). Callers fall back to a full resync by
// resolving with an empty cursor.
var ErrCursorInvalid = errors.New("delta cursor invalid or expired")

// ParseID validates a provider id from the wire.
func ParseID(s string) (ID, error) {
	switch ID(s) {
	case Google, Microsoft:
		return ID(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

// ChangeKind classifies a mailbox change.
type ChangeKind string

const (
	ThreadAdded   ChangeKind = "thread-added"
	ThreadChanged ChangeKind = "thread-changed"
	ThreadRemoved ChangeKind = "thread-removed"
	LabelsChanged ChangeKind = "labels-changed"
)

// ChangeEvent is one mailbox change, handed off to downstream collaborators.
type ChangeEvent struct {
	ConnectionID string     `json:"connection_id"`
	Kind         ChangeKind `json:"kind"`
	ThreadID     string     `json:"thread_id"`
	MessageID    string     `json:"message_id,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
}

// Delta is the result of resolving changes since a cursor.
type Delta struct {
	Events    []ChangeEvent
	NewCursor string
}

// Subscription describes an established push subscription.
type Subscription struct {
	ID        string
	ExpiresAt time.Time
}

// UserInfo is the mailbox owner's canonical identity.
type UserInfo struct {
	Address string
	Name    string
}

// Client is the capability surface of one provider for one connection.
// All calls carry the connection's access token and perform a single
// refresh-and-retry on an auth failure before giving up.
type Client interface {
	// ResolveDelta returns the changes since cursor and the cursor to
	// persist next. An empty cursor means full resync: a bounded snapshot
	// of current state plus the provider's current cursor. A stale cursor
	// yields ErrCursorInvalid, never a crash.
	ResolveDelta(ctx context.Context, cursor string) (*Delta, error)

	// EstablishSubscription creates or replaces the push subscription.
	// Idempotent: calling it while a subscription is active extends or
	// replaces it, never duplicates it.
	EstablishSubscription(ctx context.Context) (*Subscription, error)

	// GetUserInfo validates the token pair and returns the mailbox address.
	GetUserInfo(ctx context.Context) (*UserInfo, error)

	// RevokeToken revokes the given token, best effort. A false return
	// means the revocation did not take; callers log and move on.
	RevokeToken(ctx context.Context, token string) bool
}

// TokenPair is the OAuth credential material for one connection.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenUpdateFunc is invoked when a client refreshes its access token, so
// the caller can persist the new pair.
type TokenUpdateFunc func(TokenPair) error

// ConnInfo is the slice of a connection a client needs to operate.
type ConnInfo struct {
	ID    string
	Email string
	// SubscriptionID is the currently established push subscription, if
	// any; providers that extend rather than replace subscriptions use it.
	SubscriptionID string
	Tokens         TokenPair
	OnTokens       TokenUpdateFunc
}

// Factory resolves a provider id to a connected client, failing fast on
// unsupported ids.
type Factory func(ctx context.Context, id ID, conn ConnInfo) (Client, error)
