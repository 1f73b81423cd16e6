// pkg/credentials/store.go
package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound возвращается, если значения по ключу нет.
var ErrNotFound = errors.New("credentials: key not found")

// Store - источник токена авторизации.
type Store interface {
	// Get возвращает значение по ключу или ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set сохраняет значение по ключу.
	Set(ctx context.Context, key, value string) error
	// Remove удаляет ключ; отсутствие ключа не ошибка.
	Remove(ctx context.Context, key string) error
	// Close освобождает ресурсы.
	Close() error
}

// Memory - Store в памяти процесса.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
