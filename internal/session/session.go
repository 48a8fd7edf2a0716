// Package session resolves session access tokens to user sessions.
//
// A token is an HS256 JWT whose "key" claim names a session record. The record
// lives in a session store under "sessions.<tenantId>.<key>"; a token whose
// record is missing has been revoked or has expired. Tokens from an external
// identity provider are verified against its JWKS instead.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrMissingSecret = errors.New("session: signing secret is required")

// Session is the server-side record behind an access token.
type Session struct {
	UserID string `json:"userId"`
}

// Claims are the access token claims.
type Claims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// Store holds session records.
type Store interface {
	// Get returns the session, or nil, nil if none is stored.
	Get(ctx context.Context, tenantID, key string) (*Session, error)
	Put(ctx context.Context, tenantID, key string, s Session, ttl time.Duration) error
	Delete(ctx context.Context, tenantID, key string) error
}

// RecordKey is the store key of a session record.
func RecordKey(tenantID, key string) string {
	return "sessions." + tenantID + "." + key
}

// Resolver verifies access tokens and looks up their session records.
type Resolver struct {
	secret   []byte
	store    Store
	external *External
}

func NewResolver(secret string, store Store) (*Resolver, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Resolver{secret: []byte(secret), store: store}, nil
}

// WithExternal also accepts tokens from an external identity provider.
func (r *Resolver) WithExternal(e *External) *Resolver {
	r.external = e
	return r
}

// ResolveSession returns the session for token within tenantID. Invalid,
// expired or revoked tokens yield nil, nil; only store failures are errors.
func (r *Resolver) ResolveSession(ctx context.Context, tenantID, token string) (*Session, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Key == "" {
		if r.external != nil {
			return r.external.resolve(ctx, tenantID, token), nil
		}
		return nil, nil
	}

	s, err := r.store.Get(ctx, tenantID, claims.Key)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	return s, nil
}

// Issue stores a session for userID and returns a signed access token for it.
// A zero ttl issues a token without expiry.
func (r *Resolver) Issue(ctx context.Context, tenantID, userID string, ttl time.Duration) (string, error) {
	key := uuid.NewString()
	if err := r.store.Put(ctx, tenantID, key, Session{UserID: userID}, ttl); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}

	now := time.Now()
	claims := Claims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}
