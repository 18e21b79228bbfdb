package renewal

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/inboxd/mailsync/internal/queue"
	"github.com/inboxd/mailsync/internal/store"
)

// AgeIndex is the subscription-age namespace the scheduler scans.
type AgeIndex interface {
	ListSubscriptionAges(ctx context.Context) ([]store.SubscriptionAge, error)
}

// Enqueuer places renewal work items on the renewal queue.
type Enqueuer interface {
	PublishRenewal(item queue.RenewalWorkItem, dedupeKey string) error
}

// Scheduler periodically scans the age index and enqueues a renewal for
// every subscription older than the threshold. It never calls the
// provider API itself: a slow or failing provider cannot block the scan.
type Scheduler struct {
	Index AgeIndex
	Queue Enqueuer

	// Threshold is strictly shorter than the provider's subscription
	// lifetime, with enough margin to survive one scan period plus
	// processing time (e.g. renew at day 5 of a 7 day watch).
	Threshold time.Duration
	// Interval is the scan period (e.g. 6 hours).
	Interval time.Duration

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

// Start runs the scan loop until ctx is cancelled. The first scan happens
// immediately so a restart never extends the renewal gap by a full period.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		if _, err := s.Scan(ctx); err != nil {
			log.Printf("renewal: scan failed: %v", err)
		}

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Scan(ctx); err != nil {
					log.Printf("renewal: scan failed: %v", err)
				}
			}
		}
	}()
}

// Scan runs one pass over the age index and returns how many renewals it
// enqueued. A scan that finds nothing expired is a normal, silent outcome.
// Redundant scans are safe: the dedupe key keeps a stale row from being
// enqueued twice, and renewal itself is idempotent anyway.
func (s *Scheduler) Scan(ctx context.Context) (int, error) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	ages, err := s.Index.ListSubscriptionAges(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscription ages: %w", err)
	}

	enqueued := 0
	for _, a := range ages {
		if now.Sub(a.LastSubscribedAt) <= s.Threshold {
			continue
		}
		item := queue.RenewalWorkItem{
			ConnectionID: a.ConnectionID,
			ProviderID:   a.Provider,
		}
		dedupe := strconv.FormatInt(a.LastSubscribedAt.Unix(), 10)
		if err := s.Queue.PublishRenewal(item, dedupe); err != nil {
			log.Printf("renewal: enqueue renewal for connection %s: %v", a.ConnectionID, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("renewal: scan enqueued %d of %d subscriptions", enqueued, len(ages))
	}
	return enqueued, nil
}
