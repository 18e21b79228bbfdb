package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/inboxd/mailsync/internal/provider"
)

const (
	gmailUser = "me"

	// Gmail watches live for up to 7 days before they must be re-issued.
	subscriptionLifetime = 7 * 24 * time.Hour

	revokeEndpoint = "https://oauth2.googleapis.com/revoke"
)

// Config holds the deployment-level Gmail settings shared by all connections.
type Config struct {
	ClientID     string
	ClientSecret string
	// PubSubTopic is the Cloud Pub/Sub topic Gmail publishes watch
	// notifications to.
	PubSubTopic string
	// ResyncMaxThreads bounds the snapshot taken when a cursor has expired.
	ResyncMaxThreads int64
}

// Client implements provider.Client for Gmail.
type Client struct {
	cfg   Config
	conn  provider.ConnInfo
	oconf *oauth2.Config

	svc     *gmail.Service
	userSvc *oauth2api.Service
	httpc   *http.Client
}

// New creates a Gmail client bound to one connection's token pair.
func New(ctx context.Context, cfg Config, conn provider.ConnInfo) (*Client, error) {
	if cfg.ResyncMaxThreads <= 0 {
		cfg.ResyncMaxThreads = 100
	}
	c := &Client{
		cfg:  cfg,
		conn: conn,
		oconf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
	if err := c.rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuild recreates the API services from the current token pair.
func (c *Client) rebuild(ctx context.Context) error {
	tok := &oauth2.Token{
		AccessToken:  c.conn.Tokens.AccessToken,
		RefreshToken: c.conn.Tokens.RefreshToken,
		Expiry:       c.conn.Tokens.Expiry,
		TokenType:    "Bearer",
	}
	client := oauth2.NewClient(ctx, c.oconf.TokenSource(ctx, tok))

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("create gmail service: %w", err)
	}
	userSvc, err := oauth2api.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("create userinfo service: %w", err)
	}
	c.svc = svc
	c.userSvc = userSvc
	return nil
}

// withAuthRetry runs fn, and on an unauthorized response refreshes the
// access token exactly once and retries. All other errors pass through.
func (c *Client) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !isUnauthorized(err) {
		return err
	}
	if rerr := c.refreshToken(ctx); rerr != nil {
		log.Printf("gmail: token refresh for %s failed: %v", c.conn.ID, rerr)
		return err
	}
	return fn()
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

// refreshToken mints a fresh access token from the refresh token, persists
// it through the connection callback, and rebuilds the API services.
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
			log.Printf("gmail: persisting refreshed token for %s failed: %v", c.conn.ID, err)
		}
	}
	return c.rebuild(ctx)
}

// ResolveDelta returns the changes since cursor using the History API. An
// empty cursor, or a cursor Gmail reports as expired, routes through the
// bounded full resync.
func (c *Client) ResolveDelta(ctx context.Context, cursor string) (*provider.Delta, error) {
	if cursor == "" {
		return c.fullResync(ctx)
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor %q", provider.ErrCursorInvalid, cursor)
	}

	var histories []*gmail.History
	latest := start
	err = c.withAuthRetry(ctx, func() error {
		histories = histories[:0]
		latest = start
		call := c.svc.Users.History.List(gmailUser).StartHistoryId(start).MaxResults(100)
		return call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			for _, h := range page.History {
				if h.Id > latest {
					latest = h.Id
				}
				histories = append(histories, h)
			}
			return nil
		})
	})
	if err != nil {
		// Gmail answers 404 when the start history id has aged out of the
		// retention window.
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, provider.ErrCursorInvalid
		}
		return nil, fmt.Errorf("list history from %d: %w", start, err)
	}

	return &provider.Delta{
		Events:    collectChanges(c.conn.ID, histories),
		NewCursor: strconv.FormatUint(latest, 10),
	}, nil
}

// fullResync takes a bounded snapshot of current threads and anchors the
// cursor at the profile's current history id.
func (c *Client) fullResync(ctx context.Context) (*provider.Delta, error) {
	var profile *gmail.Profile
	var threads []*gmail.Thread
	err := c.withAuthRetry(ctx, func() error {
		p, err := c.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		if err != nil {
			return err
		}
		resp, err := c.svc.Users.Threads.List(gmailUser).MaxResults(c.cfg.ResyncMaxThreads).Context(ctx).Do()
		if err != nil {
			return err
		}
		profile = p
		threads = resp.Threads
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("full resync: %w", err)
	}

	events := make([]provider.ChangeEvent, 0, len(threads))
	for _, t := range threads {
		events = append(events, provider.ChangeEvent{
			ConnectionID: c.conn.ID,
			Kind:         provider.ThreadAdded,
			ThreadID:     t.Id,
		})
	}
	return &provider.Delta{
		Events:    events,
		NewCursor: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// collectChanges maps Gmail history records to change events, one event per
// thread per kind.
func collectChanges(connectionID string, histories []*gmail.History) []provider.ChangeEvent {
	var events []provider.ChangeEvent
	seen := make(map[string]bool)

	emit := func(kind provider.ChangeKind, threadID, messageID string, labels []string) {
		if threadID == "" {
			return
		}
		key := string(kind) + "|" + threadID
		if seen[key] {
			return
		}
		seen[key] = true
		events = append(events, provider.ChangeEvent{
			ConnectionID: connectionID,
			Kind:         kind,
			ThreadID:     threadID,
			MessageID:    messageID,
			Labels:       labels,
		})
	}

	for _, h := range histories {
		for _, rec := range h.MessagesAdded {
			if rec.Message != nil {
				emit(provider.ThreadChanged, rec.Message.ThreadId, rec.Message.Id, nil)
			}
		}
		for _, rec := range h.MessagesDeleted {
			if rec.Message != nil {
				emit(provider.ThreadRemoved, rec.Message.ThreadId, rec.Message.Id, nil)
			}
		}
		for _, rec := range h.LabelsAdded {
			if rec.Message != nil {
				emit(provider.LabelsChanged, rec.Message.ThreadId, rec.Message.Id, rec.LabelIds)
			}
		}
		for _, rec := range h.LabelsRemoved {
			if rec.Message != nil {
				emit(provider.LabelsChanged, rec.Message.ThreadId, rec.Message.Id, rec.LabelIds)
			}
		}
	}
	return events
}

// EstablishSubscription (re)creates the Gmail watch. Gmail allows only one
// watch per mailbox, so any existing watch is stopped first; the
// subscription id is derived from the connection id and therefore stable
// across renewals.
func (c *Client) EstablishSubscription(ctx context.Context) (*provider.Subscription, error) {
	var resp *gmail.WatchResponse
	err := c.withAuthRetry(ctx, func() error {
		// A second watch request while one is active is rejected; stopping
		// an absent watch is harmless.
		_ = c.svc.Users.Stop(gmailUser).Context(ctx).Do()

		req := &gmail.WatchRequest{
			TopicName: c.cfg.PubSubTopic,
			LabelIds:  []string{"INBOX"},
		}
		r, err := c.svc.Users.Watch(gmailUser, req).Context(ctx).Do()
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watch mailbox: %w", err)
	}

	expires := time.UnixMilli(resp.Expiration)
	if resp.Expiration == 0 {
		expires = time.Now().Add(subscriptionLifetime)
	}
	return &provider.Subscription{
		ID:        SubscriptionID(c.conn.ID),
		ExpiresAt: expires,
	}, nil
}

// SubscriptionID is the stable subscription name for a connection. The
// webhook receiver maps the subscription header back through this name.
func SubscriptionID(connectionID string) string {
	return "gmail-watch-" + connectionID
}

// GetUserInfo fetches the canonical mailbox identity, validating that the
// token pair actually grants access.
func (c *Client) GetUserInfo(ctx context.Context) (*provider.UserInfo, error) {
	var info *oauth2api.Userinfo
	err := c.withAuthRetry(ctx, func() error {
		i, err := c.userSvc.Userinfo.Get().Context(ctx).Do()
		if err != nil {
			return err
		}
		info = i
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, errors.New("userinfo response missing email")
	}
	return &provider.UserInfo{Address: info.Email, Name: info.Name}, nil
}

// RevokeToken revokes the given token against Google's revocation endpoint.
// Best effort: failures are logged and reported as false, never fatal.
func (c *Client) RevokeToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		log.Printf("gmail: build revoke request for %s: %v", c.conn.ID, err)
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		log.Printf("gmail: revoke token for %s: %v", c.conn.ID, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("gmail: revoke token for %s: status %d", c.conn.ID, resp.StatusCode)
		return false
	}
	return true
}
