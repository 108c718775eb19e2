package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/blackmichael/nostr-calendar/internal/domain"
)

// ProfileCache maps public keys to the most recently received profile.
// A newer arrival overwrites the whole record; fields are never merged.
type ProfileCache struct {
	logger  *slog.Logger
	archive domain.EventArchive

	mu       sync.RWMutex
	profiles map[string]domain.Profile
}

// NewProfileCache returns an empty cache. archive may be nil.
func NewProfileCache(archive domain.EventArchive, logger *slog.Logger) *ProfileCache {
	return &ProfileCache{
		logger:   logger,
		archive:  archive,
		profiles: make(map[string]domain.Profile),
	}
}

// Load fills the cache from the archive.
func (c *ProfileCache) Load(ctx context.Context) error {
	if c.archive == nil {
		return nil
	}
	profiles, err := c.archive.LoadProfiles(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range profiles {
		c.profiles[p.PubKey] = p
	}
	return nil
}

// Put stores p, replacing whatever was cached for its public key.
func (c *ProfileCache) Put(ctx context.Context, p domain.Profile) {
	if p.PubKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[p.PubKey] = p
	if c.archive != nil {
		if err := c.archive.SaveProfile(ctx, p); err != nil {
			c.logger.Error("failed to archive profile", "pubkey", p.PubKey, "error", err)
		}
	}
}

// Get returns the cached profile for pubkey.
func (c *ProfileCache) Get(pubkey string) (domain.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[pubkey]
	return p, ok
}

// All returns every cached profile ordered by public key.
func (c *ProfileCache) All() []domain.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PubKey < out[j].PubKey })
	return out
}

// Clear empties the in-memory cache.
func (c *ProfileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles = make(map[string]domain.Profile)
}
