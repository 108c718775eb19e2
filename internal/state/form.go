package state

import (
	"context"

	"github.com/blackmichael/nostr-calendar/internal/domain"
)

// FormStore holds the in-progress draft of a calendar event.
type FormStore struct {
	subject *Subject[domain.Draft]
}

// NewFormStore returns a store holding an empty draft.
func NewFormStore() *FormStore {
	return &FormStore{subject: NewSubject(domain.Draft{})}
}

// Snapshot returns a copy of the current draft. Later edits do not affect
// the returned value.
func (s *FormStore) Snapshot() domain.Draft {
	return s.subject.Get()
}

// Subscribe attaches fn to the draft. See Subject.Subscribe.
func (s *FormStore) Subscribe(fn func(domain.Draft)) func() {
	return s.subject.Subscribe(fn)
}

// Watch returns a latest-value channel of the draft.
func (s *FormStore) Watch(ctx context.Context) <-chan domain.Draft {
	return s.subject.Watch(ctx)
}

// Update edits the draft in place.
func (s *FormStore) Update(fn func(*domain.Draft)) {
	s.subject.Update(func(d domain.Draft) domain.Draft {
		fn(&d)
		return d
	})
}

// Load replaces the draft, e.g. with domain.DraftFromEvent when editing.
func (s *FormStore) Load(d domain.Draft) {
	s.subject.Set(d)
}

// Reset clears the draft.
func (s *FormStore) Reset() {
	s.subject.Set(domain.Draft{})
}
