package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// ErrAuthorization wraps every failure to obtain an authenticated handle
var ErrAuthorization = errors.New("authorization failed")

// DefaultScopes are requested when the config names none
var DefaultScopes = []string{gmail.GmailReadonlyScope}

// DialFunc creates an authenticated Gmail service
type DialFunc func(ctx context.Context) (*gmail.Service, error)

// ServiceAccountConfig describes domain-wide delegated service account access
type ServiceAccountConfig struct {
	KeyFile string
	Scopes  []string
	Subject string // mailbox the service account impersonates
}

// UserTokenConfig describes an installed-app OAuth client with a saved token
type UserTokenConfig struct {
	CredentialsFile string
	TokenFile       string
	Scopes          []string
}

// Credentials hands out one process-wide Gmail service. The handle is
// created lazily on first use; concurrent first callers share one
// authorization handshake and failures are not cached.
type Credentials struct {
	dial   DialFunc
	logger *zap.Logger

	mu    sync.RWMutex
	svc   *gmail.Service
	group singleflight.Group
}

// NewWithDialer creates credentials backed by an arbitrary dialer
func NewWithDialer(dial DialFunc, logger *zap.Logger) *Credentials {
	return &Credentials{dial: dial, logger: logger}
}

// NewServiceAccount creates credentials from a service account key file
func NewServiceAccount(cfg ServiceAccountConfig, logger *zap.Logger) *Credentials {
	return NewWithDialer(func(ctx context.Context) (*gmail.Service, error) {
		return dialServiceAccount(ctx, cfg)
	}, logger)
}

// NewUserToken creates credentials from an OAuth client file and a saved token
func NewUserToken(cfg UserTokenConfig, logger *zap.Logger) *Credentials {
	return NewWithDialer(func(ctx context.Context) (*gmail.Service, error) {
		return dialUserToken(ctx, cfg)
	}, logger)
}

// Service returns the cached Gmail service, authorizing on first use
func (c *Credentials) Service(ctx context.Context) (*gmail.Service, error) {
	if svc := c.cached(); svc != nil {
		return svc, nil
	}

	v, err, _ := c.group.Do("gmail", func() (interface{}, error) {
		if svc := c.cached(); svc != nil {
			return svc, nil
		}
		// The handle outlives the request that triggered its creation.
		svc, err := c.dial(context.WithoutCancel(ctx))
		if err != nil {
			c.logger.Warn("Authentication Failed", zap.Error(err))
			return nil, err
		}
		c.mu.Lock()
		c.svc = svc
		c.mu.Unlock()
		c.logger.Info("Authenticated")
		return svc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*gmail.Service), nil
}

func (c *Credentials) cached() *gmail.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.svc
}

func dialServiceAccount(ctx context.Context, cfg ServiceAccountConfig) (*gmail.Service, error) {
	b, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %w", ErrAuthorization, err)
	}

	conf, err := google.JWTConfigFromJSON(b, scopesOrDefault(cfg.Scopes)...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key file: %w", ErrAuthorization, err)
	}
	conf.Subject = cfg.Subject

	return newService(ctx, conf.TokenSource(ctx))
}

func dialUserToken(ctx context.Context, cfg UserTokenConfig) (*gmail.Service, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read client secret file: %w", ErrAuthorization, err)
	}
	oauthConfig, err := google.ConfigFromJSON(b, scopesOrDefault(cfg.Scopes)...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse client secret file: %w", ErrAuthorization, err)
	}

	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read token file: %w", ErrAuthorization, err)
	}

	return newService(ctx, oauthConfig.TokenSource(ctx, tok))
}

// newService authorizes eagerly so a bad key fails here rather than on the
// first API call.
func newService(ctx context.Context, ts oauth2.TokenSource) (*gmail.Service, error) {
	ts = oauth2.ReuseTokenSource(nil, ts)
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("%w: create Gmail service: %w", ErrAuthorization, err)
	}
	return svc, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func scopesOrDefault(scopes []string) []string {
	if len(scopes) == 0 {
		return DefaultScopes
	}
	return scopes
}
