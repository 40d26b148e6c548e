// Package credentials holds the access/refresh pair the transport
// authenticates with. A Set is always saved and cleared as a whole.
package credentials

import (
	"context"
	"sync"
)

// Set is one credential pair. Refresh may be empty for sessions that cannot
// be renewed.
type Set struct {
	Access  string `yaml:"access"`
	Refresh string `yaml:"refresh,omitempty"`
}

// Present reports whether an access credential is available.
func (s Set) Present() bool { return s.Access != "" }

// CanRefresh reports whether the set carries a refresh credential.
func (s Set) CanRefresh() bool { return s.Refresh != "" }

// Store persists a Set. Implementations must be safe for concurrent use and
// must never expose a partially written set.
type Store interface {
	// Load returns the current set; an empty Set when nothing is stored.
	Load(ctx context.Context) (Set, error)
	Save(ctx context.Context, s Set) error
	Clear(ctx context.Context) error
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu  sync.RWMutex
	set Set
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store seeded with s.
func NewMemory(s Set) *Memory { return &Memory{set: s} }

func (m *Memory) Load(context.Context) (Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set, nil
}

func (m *Memory) Save(_ context.Context, s Set) error {
	m.mu.Lock()
	m.set = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.set = Set{}
	m.mu.Unlock()
	return nil
}
