package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inboxd/mailsync/internal/account"
	"github.com/inboxd/mailsync/internal/auth"
	"github.com/inboxd/mailsync/internal/config"
	"github.com/inboxd/mailsync/internal/downstream"
	"github.com/inboxd/mailsync/internal/provider"
	"github.com/inboxd/mailsync/internal/provider/gmail"
	"github.com/inboxd/mailsync/internal/provider/outlook"
	"github.com/inboxd/mailsync/internal/queue"
	"github.com/inboxd/mailsync/internal/renewal"
	"github.com/inboxd/mailsync/internal/store"
	"github.com/inboxd/mailsync/internal/syncer"
	"github.com/inboxd/mailsync/internal/webhook"
)

// LinkRequest is the payload of the connection-linking hook, called after
// an external OAuth flow completes.
type LinkRequest struct {
	Provider     string `json:"provider" binding:"required"`
	AccessToken  string `json:"accessToken" binding:"required"`
	RefreshToken string `json:"refreshToken" binding:"required"`
	ExpiresAt    int64  `json:"expiresAt"`
	Scope        string `json:"scope"`
}

func main() {
	cfg := config.Load()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	q, err := queue.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := q.EnsureStreams(ctx); err != nil {
		log.Fatal(err)
	}

	clients := newClientFactory(cfg)

	// Downstream collaborators: the durable indexing feed always, the
	// HTTP collaborators when configured.
	dispatchers := []syncer.Dispatcher{downstream.NewEventFeed(q)}
	if cfg.LabelerURL != "" {
		dispatchers = append(dispatchers, downstream.NewPushClient("labeler", cfg.LabelerURL, cfg.LabelerToken))
	}
	if cfg.CacheInvalidateURL != "" {
		dispatchers = append(dispatchers, downstream.NewPushClient("cache-invalidator", cfg.CacheInvalidateURL, ""))
	}

	runner := &syncer.Runner{
		Connections: st,
		Clients:     clients,
		Dispatchers: dispatchers,
		BatchSize:   cfg.SyncBatchSize,
		ItemTimeout: cfg.ItemTimeout,
	}
	syncConsumer, err := q.SyncConsumer()
	if err != nil {
		log.Fatal(err)
	}
	go runner.Run(ctx, syncSource{syncConsumer})

	worker := &renewal.Worker{
		Connections: st,
		Clients:     clients,
		ItemTimeout: cfg.ItemTimeout,
	}
	renewConsumer, err := q.RenewalConsumer()
	if err != nil {
		log.Fatal(err)
	}
	go worker.Run(ctx, renewConsumer)

	scheduler := &renewal.Scheduler{
		Index:     st,
		Queue:     q,
		Threshold: cfg.RenewalThreshold,
		Interval:  cfg.RenewalInterval,
	}
	scheduler.Start(ctx)

	accounts := &account.Service{Store: st, Clients: clients}
	hook := webhook.NewHandler(q, webhook.NewOIDCVerifier(cfg.WebhookAudience))

	r := gin.Default()

	r.POST("/notify/:provider", hook.Notify)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.JWKSURL == "" {
		log.Printf("JWKS_URL not set, account endpoints disabled")
	} else {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal(err)
		}

		authorized := r.Group("/", verifier.Middleware())

		authorized.POST("/connections", func(c *gin.Context) {
			var req LinkRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			prov, err := provider.ParseID(req.Provider)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}

			user := auth.CurrentUser(c)
			tokens := provider.TokenPair{
				AccessToken:  req.AccessToken,
				RefreshToken: req.RefreshToken,
				Expiry:       time.Unix(req.ExpiresAt, 0),
			}
			conn, err := accounts.Link(c.Request.Context(), user.ID, prov, tokens, req.Scope)
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusCreated, gin.H{
				"id":       conn.ID,
				"provider": conn.Provider,
				"email":    conn.Email,
			})
		})

		authorized.GET("/connections", func(c *gin.Context) {
			user := auth.CurrentUser(c)
			all, err := st.ListConnections(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			out := make([]gin.H, 0)
			for _, conn := range all {
				if conn.AccountID != user.ID {
					continue
				}
				out = append(out, gin.H{
					"id":       conn.ID,
					"provider": conn.Provider,
					"email":    conn.Email,
				})
			}
			c.JSON(http.StatusOK, out)
		})

		authorized.DELETE("/connections/:id", func(c *gin.Context) {
			user := auth.CurrentUser(c)
			conn, err := st.GetConnection(c.Request.Context(), c.Param("id"))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if conn == nil || conn.AccountID != user.ID {
				c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
				return
			}
			if err := accounts.Disconnect(c.Request.Context(), conn.ID); err != nil {
				if errors.Is(err, store.ErrLastConnection) {
					c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "OK"})
		})
	}

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

// newClientFactory builds the provider dispatch: an id outside the
// supported set fails fast instead of falling through string comparisons.
func newClientFactory(cfg *config.Config) provider.Factory {
	gmailCfg := gmail.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		PubSubTopic:  cfg.PubSubTopic,
	}
	outlookCfg := outlook.Config{
		ClientID:        cfg.MicrosoftClientID,
		ClientSecret:    cfg.MicrosoftClientSecret,
		NotificationURL: cfg.GraphNotificationURL,
	}

	return func(ctx context.Context, id provider.ID, conn provider.ConnInfo) (provider.Client, error) {
		switch id {
		case provider.Google:
			return gmail.New(ctx, gmailCfg, conn)
		case provider.Microsoft:
			return outlook.New(ctx, outlookCfg, conn)
		}
		return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProvider, id)
	}
}

// syncSource adapts the concrete JetStream consumer to the runner's batch
// interface.
type syncSource struct {
	c *queue.SyncConsumer
}

func (s syncSource) Fetch(ctx context.Context, batchSize int, wait time.Duration) (syncer.Batch, error) {
	b, err := s.c.Fetch(ctx, batchSize, wait)
	if b == nil {
		return nil, err
	}
	return b, err
}
