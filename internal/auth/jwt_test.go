package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const testAudience = "https://bridge.example.com/pubsub/push"

type jwksFixture struct {
	server *httptest.Server
	key    jwk.Key
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	_ = priv.Set(jwk.KeyIDKey, "test-key")
	_ = priv.Set(jwk.AlgorithmKey, jwa.RS256)

	pub, err := jwk.PublicKeyOf(priv)
	if err != nil {
		t.Fatal(err)
	}
	_ = pub.Set(jwk.KeyIDKey, "test-key")
	_ = pub.Set(jwk.AlgorithmKey, jwa.RS256)

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	return &jwksFixture{server: srv, key: priv}
}

func (f *jwksFixture) sign(t *testing.T, mutate func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	now := time.Now()
	b := jwt.NewBuilder().
		Issuer("https://accounts.google.com").
		Audience([]string{testAudience}).
		Subject("1234567890").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("email", "push@project.iam.gserviceaccount.com").
		Claim("email_verified", true)
	if mutate != nil {
		b = mutate(b)
	}
	tok, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, f.key))
	if err != nil {
		t.Fatal(err)
	}
	return string(signed)
}

func newVerifier(t *testing.T, f *jwksFixture, email string) *PushVerifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, err := NewPushVerifier(ctx, PushVerifierConfig{
		JWKSURL:  f.server.URL,
		Audience: testAudience,
		Email:    email,
	})
	if err != nil {
		t.Fatalf("NewPushVerifier: %v", err)
	}
	return v
}

func pushRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/pubsub/push", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestPushVerifierAcceptsValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f, "push@project.iam.gserviceaccount.com")

	claims, err := v.Verify(pushRequest(f.sign(t, nil)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "1234567890" || claims.Email != "push@project.iam.gserviceaccount.com" || !claims.EmailVerified {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestPushVerifierRejects(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f, "push@project.iam.gserviceaccount.com")

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing header", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "wrong audience", token: f.sign(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Audience([]string{"https://elsewhere.example.com"})
		})},
		{name: "expired", token: f.sign(t, func(b *jwt.Builder) *jwt.Builder {
			return b.IssuedAt(time.Now().Add(-3 * time.Hour)).Expiration(time.Now().Add(-2 * time.Hour))
		})},
		{name: "wrong issuer", token: f.sign(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Issuer("https://evil.example.com")
		})},
		{name: "wrong email", token: f.sign(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Claim("email", "someone@example.com")
		})},
		{name: "unverified email", token: f.sign(t, func(b *jwt.Builder) *jwt.Builder {
			return b.Claim("email_verified", false)
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(pushRequest(tt.token)); err == nil {
				t.Fatal("expected verification error")
			}
		})
	}
}

func TestPushVerifierWithoutEmailCheck(t *testing.T) {
	f := newJWKSFixture(t)
	v := newVerifier(t, f, "")

	token := f.sign(t, func(b *jwt.Builder) *jwt.Builder {
		return b.Claim("email", "anyone@example.com")
	})
	if _, err := v.Verify(pushRequest(token)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestNewPushVerifierRequiresAudience(t *testing.T) {
	if _, err := NewPushVerifier(context.Background(), PushVerifierConfig{JWKSURL: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected error without audience")
	}
}
