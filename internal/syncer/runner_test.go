package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/queue"
	"github.com/inboxd/mailsync/internal/store"
)

type fakeConnections struct {
	mu      sync.Mutex
	bySub   map[string]*store.Connection
	cursors map[string]string
	findErr error
}

func newFakeConnections(conns ...*store.Connection) *fakeConnections {
	f := &fakeConnections{
		bySub:   make(map[string]*store.Connection),
		cursors: make(map[string]string),
	}
	for _, c := range conns {
		f.bySub[c.SubscriptionID] = c
	}
	return f
}

func (f *fakeConnections) FindBySubscription(ctx context.Context, subscriptionID string) (*store.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.bySub[subscriptionID], nil
}

func (f *fakeConnections) SaveCursor(ctx context.Context, id, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[id] = cursor
	return nil
}

func (f *fakeConnections) UpdateTokens(ctx context.Context, id string, tokens provider.TokenPair) error {
	return nil
}

func (f *fakeConnections) cursor(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[id]
}

// fakeClient resolves deltas from a canned function.
type fakeClient struct {
	resolve func(ctx context.Context, cursor string) (*provider.Delta, error)
}

func (c *fakeClient) ResolveDelta(ctx context.Context, cursor string) (*provider.Delta, error) {
	return c.resolve(ctx, cursor)
}

func (c *fakeClient) EstablishSubscription(ctx context.Context) (*provider.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) GetUserInfo(ctx context.Context) (*provider.UserInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeClient) RevokeToken(ctx context.Context, token string) bool { return true }

func factoryFor(clients map[string]provider.Client) provider.Factory {
	return func(ctx context.Context, id provider.ID, conn provider.ConnInfo) (provider.Client, error) {
		c, ok := clients[conn.ID]
		if !ok {
			return nil, errors.New("no client for " + conn.ID)
		}
		return c, nil
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	name   string
	events []provider.ChangeEvent
	// failThread makes dispatch fail for one thread id.
	failThread string
}

func (d *recordingDispatcher) Name() string { return d.name }

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev provider.ChangeEvent, cursor string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failThread != "" && ev.ThreadID == d.failThread {
		return errors.New("dispatch refused")
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) dispatched() []provider.ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]provider.ChangeEvent(nil), d.events...)
}

func testConn(id string) *store.Connection {
	return &store.Connection{
		ID:             id,
		AccountID:      "acct-1",
		Provider:       provider.Google,
		Email:          id + "@example.com",
		AccessToken:    "access",
		RefreshToken:   "refresh",
		SubscriptionID: "gmail-watch-" + id,
		Cursor:         "50",
	}
}

func syncItem(connID, historyID string) queue.SyncWorkItem {
	return queue.SyncWorkItem{
		ProviderID:       provider.Google,
		HistoryID:        historyID,
		SubscriptionName: "gmail-watch-" + connID,
	}
}

func TestProcessItemAdvancesCursorAndDispatches(t *testing.T) {
	conns := newFakeConnections(testConn("conn-1"))
	client := &fakeClient{
		resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
			if cursor != "50" {
				t.Errorf("resolve called with cursor %q, want 50", cursor)
			}
			return &provider.Delta{
				Events: []provider.ChangeEvent{
					{ConnectionID: "conn-1", Kind: provider.ThreadChanged, ThreadID: "t1"},
					{ConnectionID: "conn-1", Kind: provider.ThreadRemoved, ThreadID: "t2"},
				},
				NewCursor: "100",
			}, nil
		},
	}
	feed := &recordingDispatcher{name: "feed"}
	labeler := &recordingDispatcher{name: "labeler"}

	r := &Runner{
		Connections: conns,
		Clients:     factoryFor(map[string]provider.Client{"conn-1": client}),
		Dispatchers: []Dispatcher{feed, labeler},
	}

	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{syncItem("conn-1", "100")})

	if got := conns.cursor("conn-1"); got != "100" {
		t.Errorf("saved cursor = %q, want 100", got)
	}
	if got := feed.dispatched(); len(got) != 2 {
		t.Errorf("feed saw %d events, want 2", len(got))
	}
	if got := labeler.dispatched(); len(got) != 2 {
		t.Errorf("labeler saw %d events, want 2", len(got))
	}
}

func TestProcessItemFullResyncOnExpiredCursor(t *testing.T) {
	conns := newFakeConnections(testConn("conn-1"))
	var calls []string
	client := &fakeClient{
		resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
			calls = append(calls, cursor)
			if cursor != "" {
				return nil, provider.ErrCursorInvalid
			}
			return &provider.Delta{
				Events:    []provider.ChangeEvent{{ConnectionID: "conn-1", Kind: provider.ThreadAdded, ThreadID: "t1"}},
				NewCursor: "200",
			}, nil
		},
	}
	feed := &recordingDispatcher{name: "feed"}

	r := &Runner{
		Connections: conns,
		Clients:     factoryFor(map[string]provider.Client{"conn-1": client}),
		Dispatchers: []Dispatcher{feed},
	}
	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{syncItem("conn-1", "100")})

	if len(calls) != 2 || calls[0] != "50" || calls[1] != "" {
		t.Fatalf("resolve calls = %v, want [50 \"\"]", calls)
	}
	if got := conns.cursor("conn-1"); got != "200" {
		t.Errorf("saved cursor = %q, want 200", got)
	}
	if got := feed.dispatched(); len(got) != 1 {
		t.Errorf("feed saw %d events, want 1", len(got))
	}
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	// conn-2's provider call fails; conn-1 and conn-3 still complete.
	conns := newFakeConnections(testConn("conn-1"), testConn("conn-2"), testConn("conn-3"))
	ok := func(connID string) *fakeClient {
		return &fakeClient{
			resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
				return &provider.Delta{
					Events:    []provider.ChangeEvent{{ConnectionID: connID, Kind: provider.ThreadChanged, ThreadID: "t-" + connID}},
					NewCursor: "100",
				}, nil
			},
		}
	}
	broken := &fakeClient{
		resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
			return nil, errors.New("upstream 500")
		},
	}
	feed := &recordingDispatcher{name: "feed"}

	r := &Runner{
		Connections: conns,
		Clients: factoryFor(map[string]provider.Client{
			"conn-1": ok("conn-1"),
			"conn-2": broken,
			"conn-3": ok("conn-3"),
		}),
		Dispatchers: []Dispatcher{feed},
	}
	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{
		syncItem("conn-1", "100"),
		syncItem("conn-2", "100"),
		syncItem("conn-3", "100"),
	})

	if got := feed.dispatched(); len(got) != 2 {
		t.Fatalf("feed saw %d events, want 2 (conn-2 isolated)", len(got))
	}
	if conns.cursor("conn-1") != "100" || conns.cursor("conn-3") != "100" {
		t.Errorf("sibling cursors not saved: %v", conns.cursors)
	}
	if got := conns.cursor("conn-2"); got != "" {
		t.Errorf("failed item saved cursor %q, want none", got)
	}
}

func TestProcessItemOneDispatcherFailingDoesNotBlockOthers(t *testing.T) {
	conns := newFakeConnections(testConn("conn-1"))
	client := &fakeClient{
		resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
			return &provider.Delta{
				Events: []provider.ChangeEvent{
					{ConnectionID: "conn-1", Kind: provider.ThreadChanged, ThreadID: "t1"},
					{ConnectionID: "conn-1", Kind: provider.ThreadChanged, ThreadID: "t2"},
				},
				NewCursor: "100",
			}, nil
		},
	}
	flaky := &recordingDispatcher{name: "flaky", failThread: "t1"}
	steady := &recordingDispatcher{name: "steady"}

	r := &Runner{
		Connections: conns,
		Clients:     factoryFor(map[string]provider.Client{"conn-1": client}),
		Dispatchers: []Dispatcher{flaky, steady},
	}
	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{syncItem("conn-1", "100")})

	if got := steady.dispatched(); len(got) != 2 {
		t.Errorf("steady saw %d events, want 2", len(got))
	}
	if got := flaky.dispatched(); len(got) != 1 || got[0].ThreadID != "t2" {
		t.Errorf("flaky saw %+v, want only t2", got)
	}
}

func TestProcessItemDropsUnknownSubscription(t *testing.T) {
	conns := newFakeConnections()
	feed := &recordingDispatcher{name: "feed"}
	factoryCalled := false

	r := &Runner{
		Connections: conns,
		Clients: func(ctx context.Context, id provider.ID, conn provider.ConnInfo) (provider.Client, error) {
			factoryCalled = true
			return nil, errors.New("unexpected")
		},
		Dispatchers: []Dispatcher{feed},
	}
	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{syncItem("gone", "100")})

	if factoryCalled {
		t.Error("factory called for unknown subscription")
	}
	if len(feed.dispatched()) != 0 {
		t.Error("events dispatched for unknown subscription")
	}
}

func TestProcessItemSkipsTokenlessConnection(t *testing.T) {
	conn := testConn("conn-1")
	conn.RefreshToken = ""
	conns := newFakeConnections(conn)
	factoryCalled := false

	r := &Runner{
		Connections: conns,
		Clients: func(ctx context.Context, id provider.ID, c provider.ConnInfo) (provider.Client, error) {
			factoryCalled = true
			return nil, errors.New("unexpected")
		},
	}
	r.ProcessBatch(context.Background(), []queue.SyncWorkItem{syncItem("conn-1", "100")})

	if factoryCalled {
		t.Error("factory called for connection without tokens")
	}
}

// fakeBatch counts acknowledgements.
type fakeBatch struct {
	items []queue.SyncWorkItem
	acks  int
}

func (b *fakeBatch) Items() []queue.SyncWorkItem { return b.items }
func (b *fakeBatch) Ack() error {
	b.acks++
	return nil
}

// fakeSource hands out its batches once, then cancels the run.
type fakeSource struct {
	batches []*fakeBatch
	cancel  context.CancelFunc
}

func (s *fakeSource) Fetch(ctx context.Context, batchSize int, wait time.Duration) (Batch, error) {
	if len(s.batches) == 0 {
		s.cancel()
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

// failingSource always errors, cancelling the run on first use.
type failingSource struct {
	cancel context.CancelFunc
}

func (s *failingSource) Fetch(ctx context.Context, batchSize int, wait time.Duration) (Batch, error) {
	s.cancel()
	return nil, errors.New("stream unavailable")
}

func TestRunStopsPromptlyDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{Connections: newFakeConnections()}

	start := time.Now()
	r.Run(ctx, &failingSource{cancel: cancel})

	// Cancellation lands while the error back-off is pending; the loop
	// must not sleep through it.
	if elapsed := time.Since(start); elapsed >= time.Second {
		t.Fatalf("run took %v to stop after cancellation", elapsed)
	}
}

func TestRunAcksBatchOnceDespiteFailures(t *testing.T) {
	conns := newFakeConnections(testConn("conn-1"))
	broken := &fakeClient{
		resolve: func(ctx context.Context, cursor string) (*provider.Delta, error) {
			return nil, errors.New("upstream 500")
		},
	}
	batch := &fakeBatch{items: []queue.SyncWorkItem{
		syncItem("conn-1", "100"),
		syncItem("conn-1", "101"),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	source := &fakeSource{batches: []*fakeBatch{batch}, cancel: cancel}

	r := &Runner{
		Connections: conns,
		Clients:     factoryFor(map[string]provider.Client{"conn-1": broken}),
	}
	r.Run(ctx, source)

	if batch.acks != 1 {
		t.Fatalf("batch acked %d times, want exactly 1", batch.acks)
	}
}
