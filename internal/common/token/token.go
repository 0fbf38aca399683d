// Package token issues and checks the table session tokens shared by the
// table-api (issuer) and the realtime gateway (verifier).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"table-session/internal/domain"
)

const DefaultTTL = 12 * time.Hour

var (
	ErrMalformed = errors.New("malformed session token")
	ErrSignature = errors.New("session token signature mismatch")
	ErrExpired   = errors.New("session token expired")
	ErrNoSecret  = errors.New("token secret is not configured")
)

type Claims struct {
	ID           string `json:"jti"`
	RestaurantID string `json:"rid"`
	TableID      string `json:"tid"`
	Scope        string `json:"scope"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// Allows reports whether a holder may join room: its own table scope or the
// restaurant-wide scope.
func (c Claims) Allows(room string) bool {
	return room == c.Scope || room == domain.RestaurantScope(c.RestaurantID)
}

type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

func (s *Signer) Issue(restaurantID, tableID string, now time.Time) (string, error) {
	c := Claims{
		ID:           uuid.NewString(),
		RestaurantID: restaurantID,
		TableID:      tableID,
		Scope:        domain.TableScope(restaurantID, tableID),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(s.ttl).Unix(),
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	payload := enc.EncodeToString(body)
	return payload + "." + enc.EncodeToString(s.sign(payload)), nil
}

func (s *Signer) Verify(tok string, now time.Time) (Claims, error) {
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || payload == "" || sig == "" {
		return Claims{}, ErrMalformed
	}
	enc := base64.RawURLEncoding
	got, err := enc.DecodeString(sig)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	if !hmac.Equal(got, s.sign(payload)) {
		return Claims{}, ErrSignature
	}
	body, err := enc.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if now.Unix() >= c.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return c, nil
}

func (s *Signer) sign(payload string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return m.Sum(nil)
}
