package state

import (
	"context"
	"fmt"
)

// SortOption selects the time window of the event view.
type SortOption string

const (
	SortAll         SortOption = "all"
	SortToday       SortOption = "today"
	SortThisWeek    SortOption = "this-week"
	SortThisWeekend SortOption = "this-weekend"
	SortUpcoming    SortOption = "upcoming"
)

// DefaultSortOption is the option a fresh or reset SortStore holds.
const DefaultSortOption = SortUpcoming

// SortOptions lists every valid option.
var SortOptions = []SortOption{SortAll, SortToday, SortThisWeek, SortThisWeekend, SortUpcoming}

// ParseSortOption validates s.
func ParseSortOption(s string) (SortOption, error) {
	for _, o := range SortOptions {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown sort option %q", s)
}

// SortStore holds exactly one SortOption.
type SortStore struct {
	subject *Subject[SortOption]
}

// NewSortStore returns a store holding DefaultSortOption.
func NewSortStore() *SortStore {
	return &SortStore{subject: NewSubject(DefaultSortOption)}
}

// Get returns the selected option.
func (s *SortStore) Get() SortOption {
	return s.subject.Get()
}

// Subscribe attaches fn to the option. See Subject.Subscribe.
func (s *SortStore) Subscribe(fn func(SortOption)) func() {
	return s.subject.Subscribe(fn)
}

// Watch returns a latest-value channel of the option.
func (s *SortStore) Watch(ctx context.Context) <-chan SortOption {
	return s.subject.Watch(ctx)
}

// SetOption selects o. Unknown options are rejected and leave the store
// unchanged.
func (s *SortStore) SetOption(o SortOption) error {
	if _, err := ParseSortOption(string(o)); err != nil {
		return err
	}
	s.subject.Set(o)
	return nil
}

// Reset selects DefaultSortOption.
func (s *SortStore) Reset() {
	s.subject.Set(DefaultSortOption)
}
