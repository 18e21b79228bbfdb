package syncer

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/queue"
	"github.com/inboxd/mailsync/internal/store"
)

// Connections is the slice of the connection store the runner needs.
type Connections interface {
	FindBySubscription(ctx context.Context, subscriptionID string) (*store.Connection, error)
	SaveCursor(ctx context.Context, id, cursor string) error
	UpdateTokens(ctx context.Context, id string, tokens provider.TokenPair) error
}

// Dispatcher is one downstream collaborator (indexing, labeling, cache
// invalidation). Dispatch failures are logged, never fatal, and must be
// idempotent on the collaborator's side.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, ev provider.ChangeEvent, cursor string) error
}

// Batch is one delivered batch of sync work items with a single
// batch-level acknowledgement.
type Batch interface {
	Items() []queue.SyncWorkItem
	Ack() error
}

// BatchSource delivers batches of sync work items.
type BatchSource interface {
	Fetch(ctx context.Context, batchSize int, wait time.Duration) (Batch, error)
}

// Runner consumes sync work items and turns each into a cursor advance
// plus downstream change events. Batches are acknowledged once all items
// have settled, regardless of individual outcomes: a failed item is not
// redelivered, because the connection's next notification covers the
// missed window anyway and redelivery would invite duplicate-processing
// storms.
type Runner struct {
	Connections Connections
	Clients     provider.Factory
	Dispatchers []Dispatcher

	BatchSize   int
	FetchWait   time.Duration
	ItemTimeout time.Duration
}

// Run drains batches until ctx is cancelled. The next batch is fetched
// only after the previous one is fully processed and acknowledged.
func (r *Runner) Run(ctx context.Context, source BatchSource) {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	wait := r.FetchWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := source.Fetch(ctx, batchSize, wait)
		if err != nil {
			log.Printf("syncer: fetch batch: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if batch == nil {
			continue
		}

		r.ProcessBatch(ctx, batch.Items())

		if err := batch.Ack(); err != nil {
			log.Printf("syncer: ack batch of %d: %v", len(batch.Items()), err)
		}
	}
}

// ProcessBatch fans the batch out across connections. Items for the same
// subscription are applied in order on one goroutine; items for different
// connections are independent and run concurrently.
func (r *Runner) ProcessBatch(ctx context.Context, items []queue.SyncWorkItem) {
	bySubscription := make(map[string][]queue.SyncWorkItem)
	for _, item := range items {
		bySubscription[item.SubscriptionName] = append(bySubscription[item.SubscriptionName], item)
	}

	var wg sync.WaitGroup
	for _, group := range bySubscription {
		wg.Add(1)
		go func(group []queue.SyncWorkItem) {
			defer wg.Done()
			for _, item := range group {
				r.processItem(ctx, item)
			}
		}(group)
	}
	wg.Wait()
}

// processItem handles one notification end to end. It never propagates an
// error: every failure is logged with the connection id and historyId and
// isolated from sibling items.
func (r *Runner) processItem(ctx context.Context, item queue.SyncWorkItem) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("syncer: panic on subscription %s historyId %s: %v\n%s",
				item.SubscriptionName, item.HistoryID, rec, debug.Stack())
		}
	}()

	timeout := r.ItemTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := r.Connections.FindBySubscription(ctx, item.SubscriptionName)
	if err != nil {
		log.Printf("syncer: look up subscription %s: %v", item.SubscriptionName, err)
		return
	}
	if conn == nil {
		// Disconnected since the notification was sent.
		return
	}

	if !conn.HasTokens() {
		log.Printf("syncer: connection %s has no usable tokens, skipping historyId %s",
			conn.ID, item.HistoryID)
		return
	}

	client, err := r.Clients(ctx, item.ProviderID, r.connInfo(conn))
	if err != nil {
		log.Printf("syncer: create %s client for connection %s: %v", item.ProviderID, conn.ID, err)
		return
	}

	delta, err := client.ResolveDelta(ctx, conn.Cursor)
	if errors.Is(err, provider.ErrCursorInvalid) {
		log.Printf("syncer: cursor %q expired for connection %s, full resync", conn.Cursor, conn.ID)
		delta, err = client.ResolveDelta(ctx, "")
	}
	if err != nil {
		log.Printf("syncer: resolve delta for connection %s historyId %s: %v",
			conn.ID, item.HistoryID, err)
		return
	}

	// Persist the cursor before dispatching so a crash mid-dispatch does
	// not replay this delta on the next notification. Downstream
	// idempotency remains the backstop: this ordering is best-effort, not
	// transactional.
	if err := r.Connections.SaveCursor(ctx, conn.ID, delta.NewCursor); err != nil {
		log.Printf("syncer: save cursor %q for connection %s: %v", delta.NewCursor, conn.ID, err)
	}

	for _, ev := range delta.Events {
		for _, d := range r.Dispatchers {
			if err := d.Dispatch(ctx, ev, delta.NewCursor); err != nil {
				log.Printf("syncer: dispatch %s of %s/%s for connection %s: %v",
					d.Name(), ev.Kind, ev.ThreadID, conn.ID, err)
			}
		}
	}
}

func (r *Runner) connInfo(conn *store.Connection) provider.ConnInfo {
	return provider.ConnInfo{
		ID:             conn.ID,
		Email:          conn.Email,
		SubscriptionID: conn.SubscriptionID,
		Tokens: provider.TokenPair{
			AccessToken:  conn.AccessToken,
			RefreshToken: conn.RefreshToken,
			Expiry:       conn.TokenExpiresAt,
		},
		OnTokens: func(tokens provider.TokenPair) error {
			return r.Connections.UpdateTokens(context.Background(), conn.ID, tokens)
		},
	}
}
