package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a subject does not exist.
var ErrNotFound = errors.New("storage: subject not found")

// Subject is a persisted chat identity.
type Subject struct {
	ID          string
	Provider    string
	ExternalID  string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExternalIdentity is an identity asserted by a login provider.
type ExternalIdentity struct {
	Provider    string
	ExternalID  string
	DisplayName string
}

// Store defines the identity directory operations.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	FindOrCreateSubject(ctx context.Context, identity ExternalIdentity) (*Subject, error)
	GetSubject(ctx context.Context, id string) (*Subject, error)
	DisplayName(ctx context.Context, id string) (string, bool, error)
}
