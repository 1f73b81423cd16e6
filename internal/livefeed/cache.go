// internal/livefeed/cache.go
package livefeed

import (
	"sync"
	"time"

	"github.com/YaganovValera/live-bidding/internal/auction"
)

// Snapshot - неизменяемый срез ленты на момент замены.
type Snapshot struct {
	Items     []auction.Item
	Version   uint64
	UpdatedAt time.Time
}

// Cache хранит последний нормализованный список лотов.
// Каждое обновление заменяет список целиком.
type Cache struct {
	mu   sync.RWMutex
	snap Snapshot
	subs []func(Snapshot)
	now  func() time.Time
}

// New создаёт пустой кэш.
func New() *Cache {
	return &Cache{now: time.Now, snap: Snapshot{Items: []auction.Item{}}}
}

// Replace заменяет содержимое копией items и уведомляет подписчиков.
// Подписчики вызываются синхронно, вне блокировки.
func (c *Cache) Replace(items []auction.Item) Snapshot {
	cp := make([]auction.Item, len(items))
	for i, it := range items {
		cp[i] = it.Clone()
	}

	c.mu.Lock()
	c.snap = Snapshot{Items: cp, Version: c.snap.Version + 1, UpdatedAt: c.now()}
	snap := c.snap
	subs := append([]func(Snapshot){}, c.subs...)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// Snapshot возвращает текущий снимок. Items нельзя изменять.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Items возвращает копию текущего списка.
func (c *Cache) Items() []auction.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]auction.Item, len(c.snap.Items))
	for i, it := range c.snap.Items {
		out[i] = it.Clone()
	}
	return out
}

// Len - число лотов в текущем снимке.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snap.Items)
}

// Subscribe регистрирует обработчик замен.
func (c *Cache) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}
