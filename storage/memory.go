package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default, process-local Store. Data is lost when the
// process exits. Safe for concurrent access.
type MemoryStore struct {
	users    *memoryUsers
	channels *memoryChannels
	teams    *memoryTeams
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    &memoryUsers{records: map[string]*User{}, attrs: map[string]map[string][]Attribute{}},
		channels: &memoryChannels{records: map[string]*Channel{}},
		teams:    &memoryTeams{records: map[string]*Team{}},
	}
}

// Users returns the user collection.
func (m *MemoryStore) Users() UserStore { return m.users }

// Channels returns the channel collection.
func (m *MemoryStore) Channels() ChannelStore { return m.channels }

// Teams returns the team collection.
func (m *MemoryStore) Teams() TeamStore { return m.teams }

type memoryUsers struct {
	mu      sync.RWMutex
	records map[string]*User
	attrs   map[string]map[string][]Attribute
}

func (s *memoryUsers) Get(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memoryUsers) Save(_ context.Context, u *User) error {
	if u == nil || u.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.records[u.ID] = &cp
	return nil
}

func (s *memoryUsers) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.attrs, id)
	return nil
}

func (s *memoryUsers) All(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.records))
	for _, u := range s.records {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memoryUsers) SaveAttribute(_ context.Context, userID string, attr Attribute) error {
	if userID == "" || attr.Key == "" {
		return ErrMissingID
	}
	if attr.Timestamp.IsZero() {
		attr.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs[userID] == nil {
		s.attrs[userID] = map[string][]Attribute{}
	}
	s.attrs[userID][attr.Key] = append(s.attrs[userID][attr.Key], attr)
	return nil
}

func (s *memoryUsers) LatestAttribute(_ context.Context, userID, key string) (*Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.attrs[userID][key]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	latest := history[len(history)-1]
	return &latest, nil
}

func (s *memoryUsers) AttributeHistory(_ context.Context, userID, key string) ([]Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.attrs[userID][key]
	out := make([]Attribute, len(history))
	copy(out, history)
	return out, nil
}

type memoryChannels struct {
	mu      sync.RWMutex
	records map[string]*Channel
}

func (s *memoryChannels) Get(_ context.Context, id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memoryChannels) Save(_ context.Context, c *Channel) error {
	if c == nil || c.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.records[c.ID] = &cp
	return nil
}

func (s *memoryChannels) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memoryChannels) All(_ context.Context) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.records))
	for _, c := range s.records {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

type memoryTeams struct {
	mu      sync.RWMutex
	records map[string]*Team
}

func (s *memoryTeams) Get(_ context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memoryTeams) Save(_ context.Context, t *Team) error {
	if t == nil || t.ID == "" {
		return ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.records[t.ID] = &cp
	return nil
}

func (s *memoryTeams) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memoryTeams) All(_ context.Context) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Team, 0, len(s.records))
	for _, t := range s.records {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
