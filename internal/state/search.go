package state

import (
	"context"
	"sync"
	"time"
)

// DefaultSearchDebounce is the quiet period before a query edit applies.
const DefaultSearchDebounce = 300 * time.Millisecond

// DateRange is an inclusive time window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SearchFilter is the search and filter criteria applied to the event view.
type SearchFilter struct {
	Query     string     `json:"query"`
	DateRange *DateRange `json:"dateRange,omitempty"`
	Location  *string    `json:"location,omitempty"`
	Tags      []string   `json:"tags"`
}

// DefaultSearchFilter returns the canonical empty filter.
func DefaultSearchFilter() SearchFilter {
	return SearchFilter{Tags: []string{}}
}

// SearchStore owns the SearchFilter. Query edits are debounced on the
// trailing edge; every other setter applies immediately.
type SearchStore struct {
	subject *Subject[SearchFilter]
	clock   Clock
	delay   time.Duration

	mu    sync.Mutex // single writer
	timer Timer
	gen   uint64
}

// SearchOption configures a SearchStore.
type SearchOption func(*SearchStore)

// WithClock replaces the timer source.
func WithClock(c Clock) SearchOption {
	return func(s *SearchStore) { s.clock = c }
}

// WithDebounce replaces the query debounce period.
func WithDebounce(d time.Duration) SearchOption {
	return func(s *SearchStore) {
		if d > 0 {
			s.delay = d
		}
	}
}

// NewSearchStore returns a store holding DefaultSearchFilter.
func NewSearchStore(opts ...SearchOption) *SearchStore {
	s := &SearchStore{
		subject: NewSubject(DefaultSearchFilter()),
		clock:   SystemClock,
		delay:   DefaultSearchDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current filter.
func (s *SearchStore) Get() SearchFilter {
	return s.subject.Get()
}

// Subscribe attaches fn to the filter. See Subject.Subscribe.
func (s *SearchStore) Subscribe(fn func(SearchFilter)) func() {
	return s.subject.Subscribe(fn)
}

// Watch returns a latest-value channel of the filter.
func (s *SearchStore) Watch(ctx context.Context) <-chan SearchFilter {
	return s.subject.Watch(ctx)
}

// SetQuery schedules the query to apply once no other SetQuery call has
// happened for the debounce period. Earlier values in a burst never apply.
func (s *SearchStore) SetQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopPending()
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() { s.applyQuery(gen, query) })
}

// Pending reports whether a query edit is waiting for its quiet period.
func (s *SearchStore) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// SetDateRange applies a date range immediately.
func (s *SearchStore) SetDateRange(start, end time.Time) {
	s.mutate(func(f SearchFilter) SearchFilter {
		f.DateRange = &DateRange{Start: start, End: end}
		return f
	})
}

// ClearDateRange removes the date range.
func (s *SearchStore) ClearDateRange() {
	s.mutate(func(f SearchFilter) SearchFilter {
		f.DateRange = nil
		return f
	})
}

// SetLocation applies a location filter immediately.
func (s *SearchStore) SetLocation(location string) {
	s.mutate(func(f SearchFilter) SearchFilter {
		f.Location = &location
		return f
	})
}

// SetTags applies a tag filter immediately.
func (s *SearchStore) SetTags(tags []string) {
	cp := make([]string, len(tags))
	copy(cp, tags)
	s.mutate(func(f SearchFilter) SearchFilter {
		f.Tags = cp
		return f
	})
}

// Reset restores DefaultSearchFilter synchronously and drops any pending
// query edit.
func (s *SearchStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopPending()
	s.gen++
	s.subject.Set(DefaultSearchFilter())
}

func (s *SearchStore) mutate(fn func(SearchFilter) SearchFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject.Update(fn)
}

func (s *SearchStore) applyQuery(gen uint64, query string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer SetQuery or a Reset superseded this timer after it fired.
	if gen != s.gen {
		return
	}
	s.timer = nil
	s.subject.Update(func(f SearchFilter) SearchFilter {
		f.Query = query
		return f
	})
}

func (s *SearchStore) stopPending() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
