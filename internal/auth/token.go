package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rallyclub/rally/internal/common/errors"
	"github.com/rallyclub/rally/internal/storage"
)

type Claims struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	jwt.RegisteredClaims
}

// Token is the bearer credential read from durable storage at connect time.
type Token struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

// TokenSource supplies the bearer token for the transport handshake.
type TokenSource interface {
	Token(ctx context.Context) (*Token, error)
}

type TokenStore struct {
	kv  storage.KV
	key string
	now func() time.Time
}

func NewTokenStore(kv storage.KV, key string) *TokenStore {
	if key == "" {
		key = "@auth_token"
	}
	return &TokenStore{kv: kv, key: key, now: time.Now}
}

func (s *TokenStore) Save(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.BadRequest("empty token")
	}
	return s.kv.Set(ctx, s.key, []byte(raw))
}

func (s *TokenStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key)
}

// Token returns the stored token. Tokens that parse as JWTs are checked for
// expiry without verifying the signature; the server does that.
func (s *TokenStore) Token(ctx context.Context) (*Token, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.Unauthorized("no token in storage", errors.ErrNoToken)
		}
		return nil, errors.Internal("read token", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, errors.Unauthorized("no token in storage", errors.ErrNoToken)
	}

	tok := &Token{Raw: raw}

	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return tok, nil
	}

	tok.Subject = claims.Subject
	if tok.Subject == "" {
		tok.Subject = claims.UserID
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
		if !tok.ExpiresAt.After(s.now()) {
			return nil, errors.Unauthorized("stored token has expired", errors.ErrTokenExpired)
		}
	}

	return tok, nil
}

// Static is a TokenSource for a token already in hand.
type Static string

func (s Static) Token(context.Context) (*Token, error) {
	if s == "" {
		return nil, errors.Unauthorized("no token", errors.ErrNoToken)
	}
	return &Token{Raw: string(s)}, nil
}
