package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitenvats16/jasper/internal/voice"
	"github.com/hitenvats16/jasper/internal/worker/domain"
)

// ResourceContext binds one expensive extractor instance to one worker slot
// for the process lifetime. The inUse flag guards the invariant that at most
// one task ever runs against it at a time.
type ResourceContext struct {
	SlotID    int
	Extractor voice.Extractor
	inUse     atomic.Bool
}

// BeginUse marks the context busy. A context already in use means two tasks
// were dispatched onto one slot, which must never happen; it is reported so
// the caller can log the consistency violation.
func (r *ResourceContext) BeginUse() bool {
	return r.inUse.CompareAndSwap(false, true)
}

// EndUse releases the context. Returns false if it was not marked busy.
func (r *ResourceContext) EndUse() bool {
	return r.inUse.CompareAndSwap(true, false)
}

// InUse reports whether a task currently holds the context.
func (r *ResourceContext) InUse() bool {
	return r.inUse.Load()
}

// ResourceCache lazily constructs and hands out per-slot resource contexts.
// A context is built at most once per slot; a failed construction marks the
// slot broken permanently (the pool then runs with reduced capacity).
type ResourceCache struct {
	factory voice.Factory
	logger  *slog.Logger

	mu       sync.Mutex
	contexts map[int]*ResourceContext
	broken   map[int]error
}

// NewResourceCache creates a cache backed by the given extractor factory.
func NewResourceCache(factory voice.Factory, logger *slog.Logger) *ResourceCache {
	return &ResourceCache{
		factory:  factory,
		logger:   logger,
		contexts: make(map[int]*ResourceContext),
		broken:   make(map[int]error),
	}
}

// Acquire returns the (possibly newly constructed) context for slotID.
// Construction is serialized under the cache lock; it only ever runs once
// per slot because each slot is driven by a single goroutine.
func (c *ResourceCache) Acquire(slotID int) (*ResourceContext, error) {
	c.mu.Lock()
	if err, bad := c.broken[slotID]; bad {
		c.mu.Unlock()
		return nil, err
	}
	if rc, ok := c.contexts[slotID]; ok {
		c.mu.Unlock()
		return rc, nil
	}
	c.mu.Unlock()

	// Construction is expensive (model load); do it outside the lock so
	// other slots can keep acquiring their own contexts.
	ext, err := c.factory(slotID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.broken[slotID] = domain.ErrSlotBroken
		c.logger.Error("Resource construction failed - slot permanently disabled",
			slog.Int("slot", slotID),
			slog.Any("error", err),
		)
		return nil, domain.ErrSlotBroken
	}

	rc := &ResourceContext{SlotID: slotID, Extractor: ext}
	c.contexts[slotID] = rc

	c.logger.Info("Resource context constructed",
		slog.Int("slot", slotID),
	)

	return rc, nil
}

// ConstructedSlots returns the slot ids that currently hold a live context.
func (c *ResourceCache) ConstructedSlots() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := make([]int, 0, len(c.contexts))
	for id := range c.contexts {
		slots = append(slots, id)
	}
	return slots
}
