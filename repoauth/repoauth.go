// Package repoauth provides the credential sources a repo.Client injects
// into its outbound requests: HTTP Basic and bearer JWT, presented by the
// client rather than verified by it.
package repoauth

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source applies credentials to an outbound repository request.
type Source interface {
	Apply(req *http.Request) error
}

// Basic is HTTP Basic authentication, the repository's baseline optional
// credential scheme.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Apply(req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

// None applies no credentials, for public repositories.
type None struct{}

func (None) Apply(*http.Request) error { return nil }

// Bearer presents a pre-signed JWT in the Authorization header, an
// alternative to Basic for private repositories.
type Bearer struct {
	// Token, if non-empty, is presented as-is.
	Token string
	// Signer and Claims, if Token is empty, are used to mint a
	// short-lived token on first use and cache it until it is within
	// refreshSkew of expiring.
	Signer jwt.SigningMethod
	Key    any
	Claims jwt.Claims

	cached    string
	expiresAt time.Time
}

const refreshSkew = 5 * time.Minute

func (b *Bearer) Apply(req *http.Request) error {
	token, err := b.token()
	if err != nil {
		return fmt.Errorf("repoauth: minting bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (b *Bearer) token() (string, error) {
	if b.Token != "" {
		return b.Token, nil
	}
	if time.Now().Before(b.expiresAt.Add(-refreshSkew)) && b.cached != "" {
		return b.cached, nil
	}
	claims, ok := b.Claims.(jwt.Claims)
	if !ok {
		return "", fmt.Errorf("repoauth: no claims configured for bearer token")
	}
	t := jwt.NewWithClaims(b.Signer, claims)
	signed, err := t.SignedString(b.Key)
	if err != nil {
		return "", err
	}
	b.cached = signed
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		b.expiresAt = exp.Time
	}
	return signed, nil
}
