package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleCertsURL serves the keys Google signs push OIDC tokens with
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

// GoogleIssuers are the issuer values Google puts in OIDC tokens
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// PushClaims is the identity a verified push request was sent as
type PushClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// PushVerifierConfig configures push token verification
type PushVerifierConfig struct {
	JWKSURL  string
	Audience string
	// Issuers accepted in the iss claim; GoogleIssuers when empty
	Issuers []string
	// Email, when set, must match the token's email claim
	Email string
}

// PushVerifier verifies the OIDC bearer token Pub/Sub attaches to push
// requests. Keys are cached and refreshed in the background by jwk.Cache.
type PushVerifier struct {
	jwksURL  string
	keySet   jwk.Set
	audience string
	issuers  map[string]struct{}
	email    string
}

// NewPushVerifier creates a verifier and warms the key cache
func NewPushVerifier(ctx context.Context, cfg PushVerifierConfig) (*PushVerifier, error) {
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = GoogleCertsURL
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("push verifier: audience is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	issuers := cfg.Issuers
	if len(issuers) == 0 {
		issuers = GoogleIssuers
	}
	allowed := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		allowed[iss] = struct{}{}
	}

	return &PushVerifier{
		jwksURL:  jwksURL,
		keySet:   jwk.NewCachedSet(cache, jwksURL),
		audience: cfg.Audience,
		issuers:  allowed,
		email:    cfg.Email,
	}, nil
}

// Verify validates the bearer token of a push request
func (v *PushVerifier) Verify(r *http.Request) (*PushClaims, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.keySet),
		jwt.WithValidate(true),
		jwt.WithAudience(v.audience),
		jwt.WithAcceptableSkew(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if _, ok := v.issuers[token.Issuer()]; !ok {
		return nil, fmt.Errorf("unexpected token issuer %q", token.Issuer())
	}

	claims := &PushClaims{Subject: token.Subject()}
	if emailClaim, ok := token.Get("email"); ok {
		claims.Email, _ = emailClaim.(string)
	}
	if verifiedClaim, ok := token.Get("email_verified"); ok {
		claims.EmailVerified, _ = verifiedClaim.(bool)
	}

	if v.email != "" {
		if claims.Email != v.email || !claims.EmailVerified {
			return nil, fmt.Errorf("token email %q is not the configured push account", claims.Email)
		}
	}
	return claims, nil
}
