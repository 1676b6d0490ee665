// Package kvstore is the small key/value slot store behind persisted desk
// state such as the consultation history. Every key is scoped to the
// facility carried in the context.
package kvstore

import (
	"context"
	"errors"
	"sync"

	"github.com/hospital/frontdesk/internal/platform/db"
)

var ErrNotFound = errors.New("kvstore: key not found")

type Store interface {
	// Get returns ErrNotFound when the slot has never been written.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

func scopedKey(ctx context.Context, key string) string {
	facility := db.FacilityFromContext(ctx)
	if facility == "" {
		facility = "_"
	}
	return facility + ":" + key
}

// Memory keeps slots in process memory.
type Memory struct {
	mu    sync.RWMutex
	slots map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.slots[scopedKey(ctx, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[scopedKey(ctx, key)] = append([]byte(nil), value...)
	return nil
}
