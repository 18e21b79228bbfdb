package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the authenticated caller of the account API.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates bearer tokens against a JWKS endpoint. Keys are
// cached and refreshed in the background so token verification itself
// never waits on the network.
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	refreshTTL  time.Duration
}

// NewJWTVerifier creates a verifier and warms its key cache.
func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()
	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.keySetMutex.Unlock()
		}
		// On error the previous key set stays in service until next tick.
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// UserFromRequest extracts and validates the bearer token.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}

	return &User{ID: userID, Email: email}, nil
}

// Middleware guards the account-management routes, storing the caller in
// the gin context under "user".
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

// CurrentUser returns the authenticated caller set by Middleware.
func CurrentUser(c *gin.Context) *User {
	if u, ok := c.Get("user"); ok {
		if user, ok := u.(*User); ok {
			return user
		}
	}
	return nil
}
