package orderservice

import (
	"fmt"
	"sync"

	"oc-futures-bot/internal/venue"
)

// keyedMutex serializes work per (bot, symbol, side). Entries are created on
// first use and never evicted; the key space is bounded by configured
// strategies.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func slotKey(botID int64, symbol string, side venue.Side) string {
	return fmt.Sprintf("%d|%s|%s", botID, symbol, side)
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}
