package domain

import (
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	// KindCalendarEvent is the NIP-52 time-based calendar event kind.
	KindCalendarEvent = 31923

	// KindProfileMetadata is the NIP-01 profile metadata kind.
	KindProfileMetadata = 0
)

// wallClockLayout is the start/end tag format: local wall time, no offset.
const wallClockLayout = "2006-01-02T15:04"

// Image is an event image reference with an optional "WxH" dimension hint.
type Image struct {
	URL        string
	Dimensions string
}

// CalendarEvent is the canonical structured calendar event.
type CalendarEvent struct {
	// ID, PubKey, CreatedAt and Sig are only set once the event is signed
	// or when it was decoded from relay traffic.
	ID        string
	PubKey    string
	CreatedAt time.Time
	Sig       string

	Kind int

	// UID is the d-tag. It identifies the event across edits.
	UID string

	Content string
	Title   string
	Summary string
	Image   Image

	// Start and End carry their zone; StartTZ and EndTZ are the IANA names
	// emitted in the *_tzid tags.
	Start   time.Time
	End     time.Time
	StartTZ string
	EndTZ   string

	Geohash  string
	Location string

	// Label is the L (label namespace) tag; Labels are the l tags.
	Label  string
	Labels []string

	Hashtags   []string
	References []string
}

// Key returns the cache key for the event: its UID, or its ID when the
// event carries no d-tag.
func (e CalendarEvent) Key() string {
	if e.UID != "" {
		return e.UID
	}
	return e.ID
}

// Validate checks the invariants every CalendarEvent must hold.
func (e CalendarEvent) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("event uid is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("event start and end are required")
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("event end %s is before start %s", e.End, e.Start)
	}
	return nil
}

// Overlaps reports whether the event intersects [from, to].
func (e CalendarEvent) Overlaps(from, to time.Time) bool {
	return !e.End.Before(from) && !e.Start.After(to)
}

// ToNostr returns the unsigned wire event. Signature fields are copied if
// the event has already been signed.
func (e CalendarEvent) ToNostr() nostr.Event {
	kind := e.Kind
	if kind == 0 {
		kind = KindCalendarEvent
	}
	ev := nostr.Event{
		ID:      e.ID,
		PubKey:  e.PubKey,
		Kind:    kind,
		Tags:    BuildTags(e),
		Content: e.Content,
		Sig:     e.Sig,
	}
	if !e.CreatedAt.IsZero() {
		ev.CreatedAt = nostr.Timestamp(e.CreatedAt.Unix())
	}
	return ev
}

// DecodeEvent converts a calendar event received from a relay into its
// canonical form.
func DecodeEvent(ev nostr.Event) (CalendarEvent, error) {
	if ev.Kind != KindCalendarEvent {
		return CalendarEvent{}, fmt.Errorf("unexpected kind %d", ev.Kind)
	}

	out := CalendarEvent{
		ID:        ev.ID,
		PubKey:    ev.PubKey,
		CreatedAt: time.Unix(int64(ev.CreatedAt), 0).UTC(),
		Sig:       ev.Sig,
		Kind:      ev.Kind,
		Content:   ev.Content,
	}
	if ev.CreatedAt == 0 {
		out.CreatedAt = time.Time{}
	}
	if err := applyTags(&out, ev.Tags); err != nil {
		return CalendarEvent{}, err
	}
	return out, nil
}
