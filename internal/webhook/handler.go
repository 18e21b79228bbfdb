package webhook

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/queue"
)

// SubscriptionHeader identifies which connection's push subscription fired.
const SubscriptionHeader = "X-Subscription-Name"

// verifyTimeout bounds the token-introspection call; the handler must
// answer before the provider's own retry timeout elapses.
const verifyTimeout = 5 * time.Second

// Enqueuer places sync work items on the sync queue. Must be safe for
// concurrent use; the handler is invoked per request with no other shared
// state.
type Enqueuer interface {
	PublishSync(item queue.SyncWorkItem) error
}

// Handler receives provider push notifications. It authenticates the
// caller, extracts the change cursor, and enqueues a work item; it never
// touches the mailbox itself.
type Handler struct {
	queue    Enqueuer
	verifier Verifier
}

// NewHandler creates the webhook handler.
func NewHandler(q Enqueuer, v Verifier) *Handler {
	return &Handler{queue: q, verifier: v}
}

// notifyBody is the push payload. Providers disagree on whether historyId
// is a string or a number, so decoding accepts both.
type notifyBody struct {
	HistoryID string
}

func (b *notifyBody) UnmarshalJSON(data []byte) error {
	var raw struct {
		HistoryID json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.HistoryID) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw.HistoryID, &asString); err == nil {
		b.HistoryID = asString
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw.HistoryID, &asNumber); err == nil {
		b.HistoryID = strings.TrimSpace(asNumber.String())
	}
	return nil
}

// Notify handles POST /notify/:provider. Apart from a structurally missing
// subscription header, every outcome answers 200: a dropped notification
// is compensated by the next one, while an error status would only trigger
// a provider-side retry storm.
func (h *Handler) Notify(c *gin.Context) {
	subscription := c.GetHeader(SubscriptionHeader)
	if subscription == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing subscription header"})
		return
	}

	providerID, err := provider.ParseID(c.Param("provider"))
	if err != nil {
		log.Printf("webhook: notification for unknown provider %q dropped", c.Param("provider"))
		c.JSON(http.StatusOK, gin.H{"message": "OK"})
		return
	}

	token := bearerToken(c.GetHeader("Authorization"))
	verifyCtx, cancel := context.WithTimeout(c.Request.Context(), verifyTimeout)
	defer cancel()
	if err := h.verifier.Verify(verifyCtx, token); err != nil {
		// Trusting an unverified caller is not acceptable; dropping the
		// notification is, since state converges on the next one.
		log.Printf("webhook: verification failed for subscription %s: %v", subscription, err)
		c.JSON(http.StatusOK, gin.H{"message": "OK"})
		return
	}

	var body notifyBody
	if err := c.ShouldBindJSON(&body); err != nil || body.HistoryID == "" {
		log.Printf("webhook: unreadable notification body for subscription %s: %v", subscription, err)
		c.JSON(http.StatusOK, gin.H{"message": "OK"})
		return
	}

	item := queue.SyncWorkItem{
		ProviderID:       providerID,
		HistoryID:        body.HistoryID,
		SubscriptionName: subscription,
	}
	if err := h.queue.PublishSync(item); err != nil {
		// The caller already got its answer; queue delivery failures are
		// not surfaced to the provider.
		log.Printf("webhook: enqueue failed for subscription %s historyId %s: %v",
			subscription, body.HistoryID, err)
	}

	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}
