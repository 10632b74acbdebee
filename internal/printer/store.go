package printer

import "sync"

// Store persists the last successfully connected printer address so a later
// process can resume the session.
type Store interface {
	// Load returns the saved address, or "" when none is recorded.
	Load() (string, error)
	Save(address string) error
	Clear() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	address string
}

// NewMemoryStore returns a store seeded with address (may be empty).
func NewMemoryStore(address string) *MemoryStore {
	return &MemoryStore{address: address}
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address, nil
}

func (s *MemoryStore) Save(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = ""
	return nil
}
