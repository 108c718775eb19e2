// Package sqlite archives cached events, profiles and relay cursors in a
// local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/nostr-calendar/internal/domain"
)

// Repository implements domain.EventArchive and domain.CursorRepository.
type Repository struct {
	db *sql.DB
}

// Open opens the database at path and applies migrations. An empty path or
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Repository, error) {
	dsn := ":memory:"
	if p := strings.TrimSpace(path); p != "" && p != ":memory:" {
		dsn = filepath.Clean(p) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writes.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveEvent upserts an event by its cache key.
func (r *Repository) SaveEvent(ctx context.Context, s domain.StoredEvent) error {
	raw, err := json.Marshal(s.Event.ToNostr())
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	relays := s.Relays
	if relays == nil {
		relays = []string{}
	}
	relaysJSON, err := json.Marshal(relays)
	if err != nil {
		return fmt.Errorf("marshal relays: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (event_key, event_id, pubkey, created_at, start_at, end_at, raw, relays)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_key) DO UPDATE SET
			event_id = excluded.event_id,
			pubkey = excluded.pubkey,
			created_at = excluded.created_at,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			raw = excluded.raw,
			relays = excluded.relays`,
		s.Event.Key(),
		s.Event.ID,
		s.Event.PubKey,
		unix(s.Event.CreatedAt),
		unix(s.Event.Start),
		unix(s.Event.End),
		string(raw),
		string(relaysJSON),
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", s.Event.Key(), err)
	}
	return nil
}

// DeleteEvent removes an event by its cache key.
func (r *Repository) DeleteEvent(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE event_key = ?`, key)
	return err
}

// LoadEvents returns every archived event ordered by start.
func (r *Repository) LoadEvents(ctx context.Context) ([]domain.StoredEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_key, raw, relays
		FROM events
		ORDER BY start_at, event_key`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredEvent
	for rows.Next() {
		var key, raw, relays string
		if err := rows.Scan(&key, &raw, &relays); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		var wire nostr.Event
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return nil, fmt.Errorf("unmarshal event %s: %w", key, err)
		}
		ev, err := domain.DecodeEvent(wire)
		if err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		s := domain.StoredEvent{Event: ev}
		if err := json.Unmarshal([]byte(relays), &s.Relays); err != nil {
			return nil, fmt.Errorf("unmarshal relays of %s: %w", key, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// DeleteEndedBefore removes events whose end is before cutoff.
func (r *Repository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE end_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete ended events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveProfile upserts a profile. The stored content is the full metadata
// object; Name and Avatar are derived from it again on load.
func (r *Repository) SaveProfile(ctx context.Context, p domain.Profile) error {
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	content, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profiles (pubkey, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		p.PubKey, string(content), unix(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.PubKey, err)
	}
	return nil
}

// LoadProfiles returns every archived profile.
func (r *Repository) LoadProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pubkey, content, updated_at FROM profiles ORDER BY pubkey`)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var out []domain.Profile
	for rows.Next() {
		var (
			pubkey, content string
			updatedAt       int64
		)
		if err := rows.Scan(&pubkey, &content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, err := domain.DecodeProfile(nostr.Event{
			Kind:      domain.KindProfileMetadata,
			PubKey:    pubkey,
			CreatedAt: nostr.Timestamp(updatedAt),
			Content:   content,
		})
		if err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", pubkey, err)
		}
		if updatedAt == 0 {
			p.UpdatedAt = time.Time{}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

// GetCursor retrieves the saved cursor for a relay.
func (r *Repository) GetCursor(ctx context.Context, relay string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE relay = ?`, relay,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the cursor for a relay.
func (r *Repository) UpdateCursor(ctx context.Context, relay string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (relay, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (relay) DO UPDATE SET cursor_value = excluded.cursor_value, updated_at = excluded.updated_at`,
		relay, cursor, time.Now().UTC().Unix(),
	)
	return err
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

var (
	_ domain.EventArchive     = (*Repository)(nil)
	_ domain.CursorRepository = (*Repository)(nil)
)
