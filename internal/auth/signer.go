// Package auth mints and verifies the bearer tokens that authenticate report
// uploads to the collector.
package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 15 * time.Minute

	// tokens are reissued once less than this much lifetime remains
	refreshMargin = time.Minute
)

// Signer issues RS256 tokens identifying this agent. It caches the current
// token and reissues it shortly before expiry.
type Signer struct {
	key      *rsa.PrivateKey
	keyID    string
	issuer   string
	audience string
	subject  string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

type SignerConfig struct {
	PrivateKeyPEM string
	KeyID         string
	Issuer        string
	Audience      string
	Subject       string
	TTL           time.Duration
}

func NewSigner(cfg SignerConfig) (*Signer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	if cfg.Subject == "" {
		return nil, ErrMissingSubject
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{
		key:      key,
		keyID:    cfg.KeyID,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		subject:  cfg.Subject,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Token returns a valid token, minting a new one when needed.
func (s *Signer) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(refreshMargin).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}

	s.token, s.expires = signed, expires
	return signed, nil
}
