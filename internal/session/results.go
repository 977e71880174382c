package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
)

type resultEntry struct {
	env      *types.Envelope
	storedAt time.Time
	element  *list.Element
}

// ResultCache keeps terminal envelopes by turn id for a bounded window so a
// reconnecting client can recover a result it missed. Size-limited; the
// oldest entry is evicted first.
type ResultCache struct {
	mu      sync.Mutex
	entries map[types.TurnID]*resultEntry
	order   *list.List // turn ids, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewResultCache creates a cache holding at most maxSize results for ttl.
func NewResultCache(ttl time.Duration, maxSize int, now func() time.Time) *ResultCache {
	if now == nil {
		now = time.Now
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &ResultCache{
		entries: make(map[types.TurnID]*resultEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// Put stores env under its turn id, replacing any earlier entry.
func (c *ResultCache) Put(env *types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[env.TurnID]; ok {
		e.env = env
		e.storedAt = now
		c.order.MoveToBack(e.element)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(env.TurnID)
	c.entries[env.TurnID] = &resultEntry{env: env, storedAt: now, element: elem}
}

// Get returns the retained envelope for id if it has not expired.
func (c *ResultCache) Get(id types.TurnID) (*types.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		return nil, false
	}
	return e.env, true
}

// Len returns the number of retained entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Prune drops expired entries and returns how many were removed.
func (c *ResultCache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	// Entries are ordered by store time, so stop at the first live one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(types.TurnID)
		if now.Sub(c.entries[id].storedAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.entries, id)
		removed++
	}
	return removed
}

func (c *ResultCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(types.TurnID)
	c.order.Remove(front)
	delete(c.entries, id)
}
