package view

import (
	"context"
	"sync"
	"time"

	"github.com/blackmichael/nostr-calendar/internal/cache"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/state"
)

// Feed keeps the derived event list current. It recomputes whenever the
// cache, the search filter or the sort option changes.
type Feed struct {
	events *cache.EventCache
	search *state.SearchStore
	sort   *state.SortStore
	now    func() time.Time

	mu      sync.Mutex
	subject *state.Subject[[]domain.CalendarEvent]
	unsubs  []func()
}

// NewFeed attaches a feed to its sources. now defaults to time.Now.
func NewFeed(events *cache.EventCache, search *state.SearchStore, sort *state.SortStore, now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	f := &Feed{
		events:  events,
		search:  search,
		sort:    sort,
		now:     now,
		subject: state.NewSubject([]domain.CalendarEvent{}),
	}
	f.unsubs = []func(){
		events.Subscribe(func(uint64) { f.Refresh() }),
		search.Subscribe(func(state.SearchFilter) { f.Refresh() }),
		sort.Subscribe(func(state.SortOption) { f.Refresh() }),
	}
	return f
}

// Refresh recomputes the list from the current sources. Time based
// windows only move when something calls Refresh.
func (f *Feed) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject.Set(Apply(f.events.Events(), f.search.Get(), f.sort.Get(), f.now()))
}

// Events returns the current list.
func (f *Feed) Events() []domain.CalendarEvent {
	return f.subject.Get()
}

// Subscribe calls fn with the current list and every recomputation.
func (f *Feed) Subscribe(fn func([]domain.CalendarEvent)) func() {
	return f.subject.Subscribe(fn)
}

// Watch streams recomputed lists until ctx is done.
func (f *Feed) Watch(ctx context.Context) <-chan []domain.CalendarEvent {
	return f.subject.Watch(ctx)
}

// Close detaches the feed from its sources.
func (f *Feed) Close() {
	f.mu.Lock()
	unsubs := f.unsubs
	f.unsubs = nil
	f.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
