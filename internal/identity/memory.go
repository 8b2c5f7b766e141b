package identity

import (
	"context"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu sync.Mutex
	id string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load implements Store.
func (m *Memory) Load(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.id != "", nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, id string) error {
	if err := Validate(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = ""
	return nil
}
