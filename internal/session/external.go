package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// External validates access tokens minted by an external identity provider
// against its JWKS. The "sub" claim is the user id. A "tenantId" claim, when
// present, must name the tenant being connected to.
type External struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewExternal fetches signing keys from jwksURL, or from the issuer's
// well-known JWKS document when jwksURL is empty.
func NewExternal(issuer, jwksURL string) (*External, error) {
	if issuer == "" {
		return nil, fmt.Errorf("external issuer URL is required")
	}
	if jwksURL == "" {
		jwksURL = strings.TrimSuffix(issuer, "/") + "/.well-known/jwks.json"
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &External{issuer: issuer, jwks: jwks}, nil
}

// NewExternalFromJSON uses a static JWKS document.
func NewExternalFromJSON(issuer string, jwks json.RawMessage) (*External, error) {
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("parse JWKS: %w", err)
	}
	return &External{issuer: issuer, jwks: kf}, nil
}

func (e *External) resolve(ctx context.Context, tenantID, tokenStr string) *Session {
	token, err := jwt.Parse(tokenStr, e.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(e.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil
	}
	if t, ok := claims["tenantId"].(string); ok && t != tenantID {
		return nil
	}
	return &Session{UserID: sub}
}
