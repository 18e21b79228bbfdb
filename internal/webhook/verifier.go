package webhook

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

// Verifier authenticates the bearer token a push notification carries.
type Verifier interface {
	Verify(ctx context.Context, token string) error
}

// OIDCVerifier validates Google-signed OIDC tokens, the scheme Cloud
// Pub/Sub push delivery uses, against this deployment's audience.
type OIDCVerifier struct {
	audience string
}

// NewOIDCVerifier creates a verifier for the given push audience.
func NewOIDCVerifier(audience string) *OIDCVerifier {
	return &OIDCVerifier{audience: audience}
}

// Verify checks the token's signature, expiry, and audience.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("empty bearer token")
	}
	if _, err := idtoken.Validate(ctx, token, v.audience); err != nil {
		return fmt.Errorf("validate id token: %w", err)
	}
	return nil
}
