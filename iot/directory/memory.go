package directory

import (
	"context"
	"sync"
	"time"
)

type binding struct {
	clientID  string
	expiresAt time.Time // zero means no expiry
}

func (b binding) expired(now time.Time) bool {
	return !b.expiresAt.IsZero() && !now.Before(b.expiresAt)
}

// Memory is an in-process Directory for tests and single-node deployments.
type Memory struct {
	mu       sync.RWMutex
	bindings map[string]binding
	now      func() time.Time
}

// NewMemory returns an empty in-memory Directory.
func NewMemory() *Memory {
	return &Memory{bindings: map[string]binding{}, now: time.Now}
}

func (m *Memory) newBinding(clientID string, ttl time.Duration) binding {
	b := binding{clientID: clientID}
	if ttl > 0 {
		b.expiresAt = m.now().Add(ttl)
	}
	return b
}

// Set implements Directory
func (m *Memory) Set(ctx context.Context, chipID, clientID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[chipID] = m.newBinding(clientID, ttl)
	return nil
}

// Get implements Directory
func (m *Memory) Get(ctx context.Context, chipID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[chipID]
	if !ok || b.expired(m.now()) {
		return "", false, nil
	}
	return b.clientID, true, nil
}

// ChipIDByClient implements Directory
func (m *Memory) ChipIDByClient(ctx context.Context, clientID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for chipID, b := range m.bindings {
		if b.clientID == clientID && !b.expired(now) {
			return chipID, true, nil
		}
	}
	return "", false, nil
}
