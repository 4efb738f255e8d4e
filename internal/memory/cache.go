package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxTurns is the number of user/assistant exchanges kept in the
// cache when none is configured.
const DefaultMaxTurns = 20

// HistoryCache is a per-user sliding window over durable history. Each
// user's cached slice is always a suffix of that user's stored history:
// entries are written to the store before they enter the cache, and the
// oldest entries are evicted first once capacity is exceeded.
type HistoryCache struct {
	store    Store
	capacity int
	retain   int
	logger   *slog.Logger

	mu    sync.Mutex // guards users
	users map[string]*userHistory
}

type userHistory struct {
	mu       sync.Mutex
	hydrated bool
	entries  []Entry
}

// NewHistoryCache creates a cache holding up to 2*maxTurns entries per
// user.
func NewHistoryCache(store Store, maxTurns int, logger *slog.Logger) *HistoryCache {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCache{
		store:    store,
		capacity: 2 * maxTurns,
		logger:   logger,
		users:    make(map[string]*userHistory),
	}
}

// SetRetention enables compaction of durable history: after each append
// the store keeps only the newest max(n, capacity) entries for the user.
// Zero disables it. Compaction requires a store implementing Pruner.
func (c *HistoryCache) SetRetention(n int) {
	c.retain = n
}

// Capacity returns the per-user entry bound.
func (c *HistoryCache) Capacity() int {
	return c.capacity
}

func (c *HistoryCache) user(userID string) *userHistory {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		u = &userHistory{}
		c.users[userID] = u
	}
	return u
}

// hydrateLocked loads the user's stored suffix. Caller holds u.mu.
func (c *HistoryCache) hydrateLocked(ctx context.Context, userID string, u *userHistory) error {
	entries, err := c.store.GetHistory(ctx, userID)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", userID, err)
	}
	u.entries = c.tail(entries)
	u.hydrated = true
	return nil
}

func (c *HistoryCache) tail(entries []Entry) []Entry {
	if len(entries) > c.capacity {
		entries = entries[len(entries)-c.capacity:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Get returns a copy of the user's cached history, oldest first. A user
// not yet seen is hydrated from the store.
func (c *HistoryCache) Get(ctx context.Context, userID string) ([]Entry, error) {
	u := c.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.hydrated {
		if err := c.hydrateLocked(ctx, userID, u); err != nil {
			return nil, err
		}
	}
	out := make([]Entry, len(u.entries))
	copy(out, u.entries)
	return out, nil
}

// Append durably records the entries for the user as one batch, then
// adds them to the cache. If the store write fails nothing is recorded
// and the cached slice is dropped so the next Get re-reads storage.
func (c *HistoryCache) Append(ctx context.Context, userID string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	u := c.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.hydrated {
		if err := c.hydrateLocked(ctx, userID, u); err != nil {
			return err
		}
	}

	if err := c.store.AppendHistory(ctx, userID, entries...); err != nil {
		u.hydrated = false
		u.entries = nil
		return fmt.Errorf("append history for %s: %w", userID, err)
	}
	u.entries = append(u.entries, entries...)
	if over := len(u.entries) - c.capacity; over > 0 {
		u.entries = append(u.entries[:0:0], u.entries[over:]...)
	}

	c.compact(ctx, userID)
	return nil
}

func (c *HistoryCache) compact(ctx context.Context, userID string) {
	if c.retain <= 0 {
		return
	}
	p, ok := c.store.(Pruner)
	if !ok {
		return
	}
	keep := max(c.retain, c.capacity)
	n, err := p.PruneHistory(ctx, userID, keep)
	if err != nil {
		c.logger.Warn("history compaction failed", "user", userID, "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("history compacted", "user", userID, "removed", n, "kept", keep)
	}
}

// Clear removes the user's history from the store and the cache.
func (c *HistoryCache) Clear(ctx context.Context, userID string) error {
	u := c.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := c.store.ClearHistory(ctx, userID); err != nil {
		u.hydrated = false
		u.entries = nil
		return fmt.Errorf("clear history for %s: %w", userID, err)
	}
	u.entries = nil
	u.hydrated = true
	return nil
}

// HydrateAll loads every known user's history suffix from the store and
// returns the number of users loaded.
func (c *HistoryCache) HydrateAll(ctx context.Context) (int, error) {
	ids, err := c.store.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	for _, id := range ids {
		u := c.user(id)
		u.mu.Lock()
		err := c.hydrateLocked(ctx, id, u)
		u.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	c.logger.Info("history cache hydrated", "users", len(ids), "capacity", c.capacity)
	return len(ids), nil
}

// Users returns the number of users currently cached.
func (c *HistoryCache) Users() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}
