package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"oc-futures-bot/internal/logging"
)

const (
	// pendingEntryKeyPrefix keys one tracked entry:
	// ocbot:pending_entry:{botID}:{symbol}:{orderID}
	pendingEntryKeyPrefix = "ocbot:pending_entry"

	// pendingEntrySetKey indexes all tracked entry keys.
	pendingEntrySetKey = "ocbot:pending_entries"

	// DefaultEntryTimeout bounds how long a LIMIT entry may rest unfilled.
	DefaultEntryTimeout = 60 * time.Second
)

// PendingEntry is the Redis-side record of one unfilled entry order. It
// mirrors the entry_orders row so the expiry sweep does not need a DB read.
type PendingEntry struct {
	EntryOrderID int64     `json:"entry_order_id"`
	BotID        int64     `json:"bot_id"`
	VenueOrderID int64     `json:"venue_order_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Price        float64   `json:"price"`
	Quantity     float64   `json:"quantity"`
	PlacedAt     time.Time `json:"placed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpireFunc is invoked for each entry whose deadline passed. It cancels the
// venue order and resolves the book row; returning an error keeps the entry
// tracked for the next sweep.
type ExpireFunc func(ctx context.Context, e PendingEntry) error

// PendingTracker keeps unfilled entry orders in Redis and expires them on a
// deadline. Redis survives engine restarts, so a pending LIMIT entry placed
// before a crash still gets canceled on schedule.
type PendingTracker struct {
	client *redis.Client
	log    *logging.Logger

	mu       sync.RWMutex
	timeout  time.Duration
	onExpire ExpireFunc

	sweepEvery time.Duration
	stopCh     chan struct{}
	running    bool
	wg         sync.WaitGroup
}

// NewPendingTracker creates a tracker. timeout <= 0 selects the default.
func NewPendingTracker(client *redis.Client, timeout time.Duration, log *logging.Logger) *PendingTracker {
	if timeout <= 0 {
		timeout = DefaultEntryTimeout
	}
	return &PendingTracker{
		client:     client,
		log:        log.WithComponent("pending-tracker"),
		timeout:    timeout,
		sweepEvery: 10 * time.Second,
	}
}

// SetExpireFunc installs the expiry callback.
func (t *PendingTracker) SetExpireFunc(fn ExpireFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

// SetTimeout updates the deadline applied to newly tracked entries.
func (t *PendingTracker) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

func entryKey(botID int64, symbol string, venueOrderID int64) string {
	return fmt.Sprintf("%s:%d:%s:%d", pendingEntryKeyPrefix, botID, symbol, venueOrderID)
}

// Track registers an unfilled entry for deadline enforcement.
func (t *PendingTracker) Track(ctx context.Context, e PendingEntry) error {
	if t.client == nil {
		return errors.New("redis client not available")
	}

	t.mu.RLock()
	timeout := t.timeout
	t.mu.RUnlock()

	e.PlacedAt = time.Now().UTC()
	e.ExpiresAt = e.PlacedAt.Add(timeout)

	key := entryKey(e.BotID, e.Symbol, e.VenueOrderID)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal pending entry: %w", err)
	}

	// TTL outlives the deadline so the sweep sees the record before Redis
	// drops it.
	ttl := timeout + time.Minute
	if err := t.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending entry: %w", err)
	}
	if err := t.client.SAdd(ctx, pendingEntrySetKey, key).Err(); err != nil {
		t.log.Warn("failed to index pending entry", "key", key, "error", err)
	}

	t.log.Debug("tracking pending entry",
		"order_id", e.VenueOrderID, "symbol", e.Symbol, "expires_at", e.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Untrack removes an entry, called on fill or cancellation.
func (t *PendingTracker) Untrack(ctx context.Context, botID int64, symbol string, venueOrderID int64) {
	if t.client == nil {
		return
	}
	key := entryKey(botID, symbol, venueOrderID)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		t.log.Warn("failed to remove pending entry", "key", key, "error", err)
	}
	if err := t.client.SRem(ctx, pendingEntrySetKey, key).Err(); err != nil {
		t.log.Warn("failed to unindex pending entry", "key", key, "error", err)
	}
}

// Pending lists all tracked entries. Index members whose records have
// expired are pruned as a side effect.
func (t *PendingTracker) Pending(ctx context.Context) ([]PendingEntry, error) {
	if t.client == nil {
		return nil, errors.New("redis client not available")
	}

	keys, err := t.client.SMembers(ctx, pendingEntrySetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}

	var entries []PendingEntry
	for _, key := range keys {
		data, err := t.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			t.client.SRem(ctx, pendingEntrySetKey, key)
			continue
		}
		if err != nil {
			t.log.Warn("failed to read pending entry", "key", key, "error", err)
			continue
		}
		var e PendingEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.log.Warn("failed to decode pending entry", "key", key, "error", err)
			t.client.SRem(ctx, pendingEntrySetKey, key)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Start launches the background expiry sweep. Idempotent.
func (t *PendingTracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.sweepLoop()
	t.log.Info("entry timeout sweep started", "interval", t.sweepEvery.String())
}

// Stop halts the sweep and waits for it to drain.
func (t *PendingTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
	t.log.Info("entry timeout sweep stopped")
}

func (t *PendingTracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *PendingTracker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := t.Pending(ctx)
	if err != nil {
		t.log.Error("expiry sweep failed to list entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	t.mu.RLock()
	onExpire := t.onExpire
	t.mu.RUnlock()

	now := time.Now().UTC()
	for _, e := range entries {
		if !now.After(e.ExpiresAt) {
			continue
		}
		t.log.Info("entry order deadline passed",
			"order_id", e.VenueOrderID, "symbol", e.Symbol,
			"age", now.Sub(e.PlacedAt).Round(time.Second).String())

		if onExpire == nil {
			t.log.Warn("no expire callback installed", "order_id", e.VenueOrderID)
			continue
		}
		if err := onExpire(ctx, e); err != nil {
			// Kept tracked; the next sweep retries.
			t.log.Error("failed to expire entry order",
				"order_id", e.VenueOrderID, "symbol", e.Symbol, "error", err)
			continue
		}
		t.Untrack(ctx, e.BotID, e.Symbol, e.VenueOrderID)
	}
}
