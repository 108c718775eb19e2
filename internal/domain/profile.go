package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Profile is the last known metadata broadcast (kind 0) of an author.
type Profile struct {
	// PubKey is the author's hex public key.
	PubKey string

	// Name is the display name, taken from display_name or name.
	Name string

	// Avatar is the picture URL, if any.
	Avatar string

	// Metadata holds every field of the broadcast, including the ones
	// mapped above.
	Metadata map[string]any

	// UpdatedAt is the created_at of the broadcast.
	UpdatedAt time.Time
}

// NIP05 returns the nip05 identifier advertised in the profile.
func (p Profile) NIP05() string {
	s, _ := p.Metadata["nip05"].(string)
	return s
}

// DecodeProfile parses a kind 0 event into a Profile.
func DecodeProfile(ev nostr.Event) (Profile, error) {
	if ev.Kind != KindProfileMetadata {
		return Profile{}, fmt.Errorf("unexpected kind %d", ev.Kind)
	}

	meta := map[string]any{}
	if ev.Content != "" {
		if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
			return Profile{}, fmt.Errorf("unmarshal profile content: %w", err)
		}
	}

	p := Profile{
		PubKey:    ev.PubKey,
		Metadata:  meta,
		UpdatedAt: time.Unix(int64(ev.CreatedAt), 0).UTC(),
	}
	if s, ok := meta["display_name"].(string); ok && s != "" {
		p.Name = s
	} else if s, ok := meta["name"].(string); ok {
		p.Name = s
	}
	if s, ok := meta["picture"].(string); ok {
		p.Avatar = s
	}
	return p, nil
}
