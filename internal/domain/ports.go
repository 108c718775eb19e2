package domain

import (
	"context"
	"time"
)

// StoredEvent is a calendar event together with the relays that delivered
// or confirmed it.
type StoredEvent struct {
	Event  CalendarEvent
	Relays []string
}

// EventArchive persists the local event and profile cache across restarts.
type EventArchive interface {
	// SaveEvent upserts an event by its cache key.
	SaveEvent(ctx context.Context, ev StoredEvent) error

	// DeleteEvent removes an event by its cache key.
	DeleteEvent(ctx context.Context, key string) error

	// LoadEvents returns every archived event.
	LoadEvents(ctx context.Context) ([]StoredEvent, error)

	// DeleteEndedBefore removes events whose end is before cutoff. Returns
	// the number of rows deleted.
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// SaveProfile upserts a profile by public key.
	SaveProfile(ctx context.Context, p Profile) error

	// LoadProfiles returns every archived profile.
	LoadProfiles(ctx context.Context) ([]Profile, error)
}

// CursorRepository defines persistence operations for relay cursors.
type CursorRepository interface {
	// GetCursor retrieves the created_at of the newest event seen from the
	// given relay. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, relay string) (int64, error)

	// UpdateCursor persists the cursor so ingestion can resume on restart.
	UpdateCursor(ctx context.Context, relay string, cursor int64) error
}
