package storage

import (
	"context"
	"errors"

	"github.com/commonaid/realtime/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// UserStore resolves user identities owned by the CRUD service.
type UserStore interface {
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

// PresenceStore persists the one-row-per-live-connection invariant.
type PresenceStore interface {
	Insert(ctx context.Context, connectionID string, userID int64) error
	Delete(ctx context.Context, connectionID string) error
	ListAll(ctx context.Context) ([]models.Presence, error)
}

// MessageStore persists help-request chat messages. Insert fills in the
// generated ID and CreatedAt on the passed message.
type MessageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
}

// StoreSet groups the gateway's storage dependencies.
type StoreSet struct {
	Users     UserStore
	Presences PresenceStore
	Messages  MessageStore
	closer    func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
