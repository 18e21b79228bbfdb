package outlook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/inboxd/mailsync/internal/provider"
)

// Graph caps message subscriptions at roughly three days, well short of the
// Gmail watch lifetime, so the renewal scheduler's cadence covers both.
const subscriptionLifetime = 70 * time.Hour

// Config holds deployment-level Microsoft Graph settings.
type Config struct {
	ClientID     string
	ClientSecret string
	// NotificationURL is the webhook endpoint Graph delivers change
	// notifications to.
	NotificationURL string
	// DeltaMaxMessages bounds how many recent messages one delta pass reads.
	DeltaMaxMessages int32
}

// Client implements provider.Client for Outlook via Microsoft Graph.
type Client struct {
	cfg   Config
	conn  provider.ConnInfo
	oconf *oauth2.Config

	graph *msgraphsdk.GraphServiceClient
}

// New creates an Outlook client bound to one connection's token pair.
func New(ctx context.Context, cfg Config, conn provider.ConnInfo) (*Client, error) {
	if cfg.DeltaMaxMessages <= 0 {
		cfg.DeltaMaxMessages = 100
	}
	c := &Client{
		cfg:  cfg,
		conn: conn,
		oconf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
		},
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) rebuild() error {
	cred := &staticTokenCredential{token: c.conn.Tokens.AccessToken}
	graph, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return fmt.Errorf("create graph client: %w", err)
	}
	c.graph = graph
	return nil
}

// withAuthRetry runs fn, and on an unauthorized response refreshes the
// access token exactly once and retries.
func (c *Client) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !isUnauthorized(err) {
		return err
	}
	if rerr := c.refreshToken(ctx); rerr != nil {
		log.Printf("outlook: token refresh for %s failed: %v", c.conn.ID, rerr)
		return err
	}
	return fn()
}

func isUnauthorized(err error) bool {
	var oerr *odataerrors.ODataError
	return errors.As(err, &oerr) && oerr.ResponseStatusCode == http.StatusUnauthorized
}

func (c *Client) refreshToken(ctx context.Context) error {
	if c.conn.Tokens.RefreshToken == "" {
		return errors.New("no refresh token on connection")
	}
	src := c.oconf.TokenSource(ctx, &oauth2.Token{RefreshToken: c.conn.Tokens.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	c.conn.Tokens.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.conn.Tokens.RefreshToken = tok.RefreshToken
	}
	c.conn.Tokens.Expiry = tok.Expiry

	if c.conn.OnTokens != nil {
		if err := c.conn.OnTokens(c.conn.Tokens); err != nil {
			log.Printf("outlook: persisting refreshed token for %s failed: %v", c.conn.ID, err)
		}
	}
	return c.rebuild()
}

// ResolveDelta reads recent messages and reports a change per conversation.
// Graph's delta-link protocol would be the exact equivalent of Gmail
// history; this client approximates it with a bounded recency window keyed
// on the newest message id, which the cumulative next notification covers.
func (c *Client) ResolveDelta(ctx context.Context, cursor string) (*provider.Delta, error) {
	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(c.cfg.DeltaMaxMessages),
			Select:  []string{"id", "conversationId", "receivedDateTime"},
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	var msgs []models.Messageable
	err := c.withAuthRetry(ctx, func() error {
		result, err := c.graph.Me().Messages().Get(ctx, requestConfig)
		if err != nil {
			return err
		}
		msgs = result.GetValue()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	kind := provider.ThreadChanged
	if cursor == "" {
		kind = provider.ThreadAdded
	}

	var events []provider.ChangeEvent
	seen := make(map[string]bool)
	newCursor := cursor
	for i, m := range msgs {
		id := deref(m.GetId())
		if i == 0 && id != "" {
			newCursor = id
		}
		if id == cursor && cursor != "" {
			break
		}
		convID := deref(m.GetConversationId())
		if convID == "" || seen[convID] {
			continue
		}
		seen[convID] = true
		events = append(events, provider.ChangeEvent{
			ConnectionID: c.conn.ID,
			Kind:         kind,
			ThreadID:     convID,
			MessageID:    id,
		})
	}

	return &provider.Delta{Events: events, NewCursor: newCursor}, nil
}

// EstablishSubscription extends the existing Graph subscription when one is
// known for the connection, and creates a fresh one otherwise. Either way
// at most one subscription exists afterwards.
func (c *Client) EstablishSubscription(ctx context.Context) (*provider.Subscription, error) {
	expires := time.Now().Add(subscriptionLifetime)

	if c.conn.SubscriptionID != "" {
		body := models.NewSubscription()
		body.SetExpirationDateTime(&expires)

		var renewed models.Subscriptionable
		err := c.withAuthRetry(ctx, func() error {
			r, err := c.graph.Subscriptions().BySubscriptionId(c.conn.SubscriptionID).Patch(ctx, body, nil)
			if err != nil {
				return err
			}
			renewed = r
			return nil
		})
		if err == nil {
			return &provider.Subscription{
				ID:        deref(renewed.GetId()),
				ExpiresAt: derefTime(renewed.GetExpirationDateTime(), expires),
			}, nil
		}
		// The old subscription may have lapsed entirely; fall through and
		// create a replacement.
		log.Printf("outlook: extend subscription %s for %s failed, creating new: %v",
			c.conn.SubscriptionID, c.conn.ID, err)
	}

	body := models.NewSubscription()
	body.SetChangeType(strPtr("created,updated,deleted"))
	body.SetResource(strPtr("me/mailFolders('inbox')/messages"))
	body.SetNotificationUrl(strPtr(c.cfg.NotificationURL))
	body.SetClientState(strPtr(c.conn.ID))
	body.SetExpirationDateTime(&expires)

	var created models.Subscriptionable
	err := c.withAuthRetry(ctx, func() error {
		r, err := c.graph.Subscriptions().Post(ctx, body, nil)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	return &provider.Subscription{
		ID:        deref(created.GetId()),
		ExpiresAt: derefTime(created.GetExpirationDateTime(), expires),
	}, nil
}

// GetUserInfo fetches the mailbox owner's profile from Graph.
func (c *Client) GetUserInfo(ctx context.Context) (*provider.UserInfo, error) {
	var me models.Userable
	err := c.withAuthRetry(ctx, func() error {
		u, err := c.graph.Me().Get(ctx, nil)
		if err != nil {
			return err
		}
		me = u
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	addr := deref(me.GetMail())
	if addr == "" {
		addr = deref(me.GetUserPrincipalName())
	}
	if addr == "" {
		return nil, errors.New("profile response missing mail address")
	}
	return &provider.UserInfo{Address: addr, Name: deref(me.GetDisplayName())}, nil
}

// RevokeToken is a no-op for Microsoft: Graph exposes no token revocation
// endpoint, so tokens lapse on their own expiry.
func (c *Client) RevokeToken(ctx context.Context, token string) bool {
	log.Printf("outlook: no revocation endpoint, token for %s left to expire", c.conn.ID)
	return true
}

// staticTokenCredential adapts a bearer token to the Azure credential
// interface the Graph SDK expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 { return &i }

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
