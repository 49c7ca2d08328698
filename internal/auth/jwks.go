package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fenggwsx/roomcast/internal/config"
)

// oidcClaims extends jwt.RegisteredClaims with the display-name hint issued by
// OpenID Connect providers.
type oidcClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// JWKSValidator validates identity provider tokens against a remote key set.
type JWKSValidator struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSValidator fetches the key set once and keeps refreshing it in the
// background until Close is called.
func NewJWKSValidator(ctx context.Context, log *slog.Logger, cfg config.JWKSConfig) (*JWKSValidator, error) {
	log.Info("Initializing JWKS validator", "jwks_url", cfg.URL)

	jwks, err := keyfunc.Get(cfg.URL, keyfunc.Options{
		Ctx:                 ctx,
		RefreshInterval:     5 * time.Minute,
		RefreshRateLimit:    1 * time.Minute,
		RefreshUnknownKID:   true,
		RefreshErrorHandler: func(err error) { log.Error("JWKS refresh error", "error", err) },
	})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	return newJWKSValidator(jwks, cfg.Issuer), nil
}

func newJWKSValidator(jwks *keyfunc.JWKS, issuer string) *JWKSValidator {
	return &JWKSValidator{jwks: jwks, issuer: issuer}
}

// Validate checks the token signature against the key set and the configured issuer.
func (v *JWKSValidator) Validate(_ context.Context, tokenString string) (Subject, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Subject{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &oidcClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc, opts...)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Subject{}, fmt.Errorf("%w: token is not valid", ErrAuthentication)
	}

	name := claims.PreferredUsername
	if name == "" {
		name = claims.Name
	}
	return Subject{ID: claims.Subject, Name: name}, nil
}

// Close shuts down the JWKS background refresh.
func (v *JWKSValidator) Close() {
	v.jwks.EndBackground()
}
