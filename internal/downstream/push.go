package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inboxd/mailsync/internal/provider"
)

// PushClient delivers change events to one HTTP collaborator (the
// labeling function, the cache invalidator). Delivery is fire-and-forget
// from the pipeline's point of view: the caller logs failures and moves on.
type PushClient struct {
	name     string
	endpoint string
	token    string
	client   *http.Client
}

// NewPushClient creates a collaborator client. token, when non-empty, is
// sent as a bearer credential.
func NewPushClient(name, endpoint, token string) *PushClient {
	return &PushClient{
		name:     name,
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the collaborator in logs.
func (p *PushClient) Name() string {
	return p.name
}

// Dispatch POSTs one change event to the collaborator. The cursor rides
// along so the collaborator can deduplicate replays.
func (p *PushClient) Dispatch(ctx context.Context, ev provider.ChangeEvent, cursor string) error {
	body := struct {
		provider.ChangeEvent
		Cursor string `json:"cursor"`
	}{ChangeEvent: ev, Cursor: cursor}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
