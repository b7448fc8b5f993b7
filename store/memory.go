package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// memoryBackend is an in-memory backend for tests.
type memoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

// NewMemory creates an in-memory Store. Intended for tests.
func NewMemory(logger *slog.Logger) *Table {
	return newTable(&memoryBackend{records: make(map[string][]byte)}, logger)
}

func (m *memoryBackend) put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = data
	return nil
}

func (m *memoryBackend) get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memoryBackend) del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *memoryBackend) list(_ context.Context, prefix string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values [][]byte
	for key, data := range m.records {
		if strings.HasPrefix(key, prefix) {
			values = append(values, data)
		}
	}
	return values, nil
}
