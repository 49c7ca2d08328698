//go:generate go run go.uber.org/mock/mockgen -source=validator.go -destination=../mocks/mock_validator.go -package=mocks
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fenggwsx/roomcast/internal/config"
)

// ErrAuthentication rejects a connection. It is never retried.
var ErrAuthentication = errors.New("authentication failed")

// Subject is the identity proven by a bearer token.
type Subject struct {
	ID   string
	Name string
}

// Validator verifies an opaque bearer credential presented at connection-open.
type Validator interface {
	Validate(ctx context.Context, token string) (Subject, error)
}

// HMACValidator accepts HS256 tokens signed with the shared server secret.
type HMACValidator struct {
	cfg config.JWTConfig
}

// NewHMACValidator returns a validator for tokens issued by NewToken with cfg.
func NewHMACValidator(cfg config.JWTConfig) *HMACValidator {
	return &HMACValidator{cfg: cfg}
}

// Validate parses token and returns the subject it was issued for.
func (v *HMACValidator) Validate(_ context.Context, token string) (Subject, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Subject{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	claims, err := ParseToken(v.cfg, token)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	id := claims.SubjectID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return Subject{}, fmt.Errorf("%w: token has no subject", ErrAuthentication)
	}
	return Subject{ID: id, Name: claims.Name}, nil
}

type timeoutValidator struct {
	next    Validator
	timeout time.Duration
}

// WithTimeout bounds every validation. A validator that does not answer in time
// counts as a rejection.
func WithTimeout(next Validator, timeout time.Duration) Validator {
	return timeoutValidator{next: next, timeout: timeout}
}

// Validate runs the wrapped validator and gives up once the timeout elapses.
func (v timeoutValidator) Validate(ctx context.Context, token string) (Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type result struct {
		subject Subject
		err     error
	}
	done := make(chan result, 1)
	go func() {
		subject, err := v.next.Validate(ctx, token)
		done <- result{subject: subject, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, ErrAuthentication) {
			r.err = fmt.Errorf("%w: %w", ErrAuthentication, r.err)
		}
		return r.subject, r.err
	case <-ctx.Done():
		return Subject{}, fmt.Errorf("%w: %w", ErrAuthentication, ctx.Err())
	}
}
