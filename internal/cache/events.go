// Package cache keeps the client's last known view of calendar events and
// author profiles, fed by the publication pipeline and by relay traffic.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/state"
)

// PutResult describes what Put did with an event.
type PutResult int

const (
	// Ignored means an equal or newer version was already cached.
	Ignored PutResult = iota
	// Inserted means the key was new.
	Inserted
	// Replaced means the event superseded an older version.
	Replaced
	// Confirmed means the same event arrived from additional relays.
	Confirmed
)

func (r PutResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Confirmed:
		return "confirmed"
	default:
		return "ignored"
	}
}

type eventEntry struct {
	event  domain.CalendarEvent
	relays map[string]struct{}
}

func (e *eventEntry) stored() domain.StoredEvent {
	relays := make([]string, 0, len(e.relays))
	for r := range e.relays {
		relays = append(relays, r)
	}
	sort.Strings(relays)
	return domain.StoredEvent{Event: e.event, Relays: relays}
}

// EventCache maps event keys (UID, or ID without a UID) to the newest
// version seen. Replacement is last-write-wins on created_at.
type EventCache struct {
	logger  *slog.Logger
	archive domain.EventArchive

	mu      sync.Mutex
	entries map[string]*eventEntry

	revision *state.Subject[uint64]
}

// NewEventCache returns an empty cache. archive may be nil.
func NewEventCache(archive domain.EventArchive, logger *slog.Logger) *EventCache {
	return &EventCache{
		logger:   logger,
		archive:  archive,
		entries:  make(map[string]*eventEntry),
		revision: state.NewSubject[uint64](0),
	}
}

// Load fills the cache from the archive.
func (c *EventCache) Load(ctx context.Context) error {
	if c.archive == nil {
		return nil
	}
	stored, err := c.archive.LoadEvents(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, s := range stored {
		e := &eventEntry{event: s.Event, relays: make(map[string]struct{}, len(s.Relays))}
		for _, r := range s.Relays {
			e.relays[r] = struct{}{}
		}
		c.entries[s.Event.Key()] = e
	}
	c.mu.Unlock()

	c.bump()
	return nil
}

// Put records ev as seen on the given relays.
func (c *EventCache) Put(ctx context.Context, ev domain.CalendarEvent, relays ...string) PutResult {
	key := ev.Key()
	if key == "" {
		return Ignored
	}

	c.mu.Lock()
	result := Ignored
	current, ok := c.entries[key]
	switch {
	case !ok:
		current = &eventEntry{event: ev, relays: map[string]struct{}{}}
		c.entries[key] = current
		result = Inserted
	case ev.ID != "" && ev.ID == current.event.ID:
		for _, r := range relays {
			if _, seen := current.relays[r]; !seen {
				result = Confirmed
			}
		}
	case ev.CreatedAt.After(current.event.CreatedAt):
		current.event = ev
		current.relays = map[string]struct{}{}
		result = Replaced
	}
	if result != Ignored {
		for _, r := range relays {
			if r != "" {
				current.relays[r] = struct{}{}
			}
		}
		c.persist(ctx, current.stored())
	}
	c.mu.Unlock()

	if result != Ignored {
		c.bump()
	}
	return result
}

// Get returns the cached entry for key.
func (c *EventCache) Get(key string) (domain.StoredEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return domain.StoredEvent{}, false
	}
	return e.stored(), true
}

// All returns every cached event in key order.
func (c *EventCache) All() []domain.StoredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.StoredEvent, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.stored())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.Key() < out[j].Event.Key() })
	return out
}

// Events returns every cached event without provenance.
func (c *EventCache) Events() []domain.CalendarEvent {
	all := c.All()
	out := make([]domain.CalendarEvent, len(all))
	for i, s := range all {
		out[i] = s.Event
	}
	return out
}

// Len returns the number of cached events.
func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Delete removes key from the cache and the archive.
func (c *EventCache) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		if c.archive != nil {
			if err := c.archive.DeleteEvent(ctx, key); err != nil {
				c.logger.Error("failed to delete archived event", "key", key, "error", err)
			}
		}
	}
	c.mu.Unlock()

	if ok {
		c.bump()
	}
	return ok
}

// Prune drops events that ended before cutoff. Returns the number removed
// from memory.
func (c *EventCache) Prune(ctx context.Context, cutoff time.Time) int {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if e.event.End.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	if c.archive != nil {
		if _, err := c.archive.DeleteEndedBefore(ctx, cutoff); err != nil {
			c.logger.Error("failed to prune archived events", "cutoff", cutoff, "error", err)
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.bump()
	}
	return removed
}

// Clear empties the in-memory cache. The archive is left untouched.
func (c *EventCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*eventEntry)
	c.mu.Unlock()
	c.bump()
}

// Subscribe calls fn with the cache revision now and after every change.
func (c *EventCache) Subscribe(fn func(revision uint64)) func() {
	return c.revision.Subscribe(fn)
}

func (c *EventCache) bump() {
	c.revision.Update(func(r uint64) uint64 { return r + 1 })
}

func (c *EventCache) persist(ctx context.Context, s domain.StoredEvent) {
	if c.archive == nil {
		return
	}
	if err := c.archive.SaveEvent(ctx, s); err != nil {
		c.logger.Error("failed to archive event", "key", s.Event.Key(), "error", err)
	}
}
