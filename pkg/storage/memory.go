package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCheckpointRegression is returned when a Save would move a stream's
// checkpoint below its stored value.
var ErrCheckpointRegression = errors.New("checkpoint regression")

// Checkpoints persists the last fully committed block per sync stream.
type Checkpoints interface {
	// Load reads the checkpoint of a stream; 0 when none was saved yet.
	Load(ctx context.Context, stream string) (uint64, error)

	// Save creates or advances the checkpoint of a stream.
	Save(ctx context.Context, stream string, block uint64) error

	// Close releases resources
	Close() error
}

func regression(stream string, current, next uint64) error {
	return fmt.Errorf("%w: %s at %d, refused %d", ErrCheckpointRegression, stream, current, next)
}

// MemoryStore keeps checkpoints in memory (lost on restart; tests and dry runs only)
type MemoryStore struct {
	data   map[string]uint64
	prefix string
	mu     sync.RWMutex
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]uint64),
		prefix: prefix,
	}
}

func (m *MemoryStore) Load(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[m.prefix+stream], nil
}

func (m *MemoryStore) Save(_ context.Context, stream string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.data[m.prefix+stream]; block < cur {
		return regression(stream, cur, block)
	}
	m.data[m.prefix+stream] = block
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
