package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commonaid/realtime/pkg/models"
)

// NewMemoryStores creates an in-memory StoreSet for tests and local
// development.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Users:     NewMemoryUserStore(),
		Presences: NewMemoryPresenceStore(),
		Messages:  NewMemoryMessageStore(),
	}
}

// MemoryUserStore provides an in-memory UserStore.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[int64]*models.User
}

// NewMemoryUserStore creates an in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[int64]*models.User)}
}

// Put seeds a user; test helper standing in for the CRUD service.
func (s *MemoryUserStore) Put(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *MemoryUserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

// MemoryPresenceStore provides an in-memory PresenceStore.
type MemoryPresenceStore struct {
	mu        sync.RWMutex
	presences map[string]models.Presence
}

// NewMemoryPresenceStore creates an in-memory presence store.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{presences: make(map[string]models.Presence)}
}

func (s *MemoryPresenceStore) Insert(ctx context.Context, connectionID string, userID int64) error {
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences[connectionID] = models.Presence{
		ConnectionID: connectionID,
		UserID:       userID,
		ConnectedAt:  time.Now(),
	}
	return nil
}

func (s *MemoryPresenceStore) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presences, connectionID)
	return nil
}

func (s *MemoryPresenceStore) ListAll(ctx context.Context) ([]models.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Presence, 0, len(s.presences))
	for _, p := range s.presences {
		out = append(out, p)
	}
	return out, nil
}

// MemoryMessageStore provides an in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages []models.Message

	// FailInsert forces Insert to fail; used to exercise the
	// no-broadcast-without-commit guarantee in tests.
	FailInsert bool
}

// NewMemoryMessageStore creates an in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

func (s *MemoryMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert {
		return fmt.Errorf("insert message: store unavailable")
	}
	s.nextID++
	msg.ID = s.nextID
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, *msg)
	return nil
}

// Messages returns a snapshot of stored messages.
func (s *MemoryMessageStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
