// Package view derives the displayed event list from the cache and the
// search and sort state.
package view

import (
	"sort"
	"strings"
	"time"

	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/state"
)

// Window is a half-open time interval [From, To). A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) contains(ev domain.CalendarEvent) bool {
	if !w.From.IsZero() && ev.End.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !ev.Start.Before(w.To) {
		return false
	}
	return true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// WindowFor returns the interval selected by opt, computed in now's
// location. Weeks run Monday through Sunday.
func WindowFor(opt state.SortOption, now time.Time) Window {
	today := startOfDay(now)
	// Days since Monday.
	offset := (int(today.Weekday()) + 6) % 7
	monday := today.AddDate(0, 0, -offset)

	switch opt {
	case state.SortToday:
		return Window{From: today, To: today.AddDate(0, 0, 1)}
	case state.SortThisWeek:
		return Window{From: monday, To: monday.AddDate(0, 0, 7)}
	case state.SortThisWeekend:
		return Window{From: monday.AddDate(0, 0, 5), To: monday.AddDate(0, 0, 7)}
	case state.SortUpcoming:
		return Window{From: now}
	default:
		return Window{}
	}
}

// Matches reports whether ev passes every criterion of f.
func Matches(ev domain.CalendarEvent, f state.SearchFilter) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		found := false
		for _, field := range []string{ev.Title, ev.Summary, ev.Content, ev.Location} {
			if strings.Contains(strings.ToLower(field), q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.DateRange != nil && !ev.Overlaps(f.DateRange.Start, f.DateRange.End) {
		return false
	}

	if f.Location != nil {
		loc := strings.ToLower(strings.TrimSpace(*f.Location))
		if loc != "" && !strings.Contains(strings.ToLower(ev.Location), loc) {
			return false
		}
	}

	if len(f.Tags) > 0 {
		have := make(map[string]struct{}, len(ev.Hashtags))
		for _, h := range ev.Hashtags {
			have[normalizeTag(h)] = struct{}{}
		}
		for _, want := range f.Tags {
			want = normalizeTag(want)
			if want == "" {
				continue
			}
			if _, ok := have[want]; !ok {
				return false
			}
		}
	}
	return true
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
}

// Apply filters events by f and opt and orders them by start, then UID.
// The input slice is not modified.
func Apply(events []domain.CalendarEvent, f state.SearchFilter, opt state.SortOption, now time.Time) []domain.CalendarEvent {
	w := WindowFor(opt, now)
	out := make([]domain.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.Start.IsZero() {
			continue
		}
		if w.contains(ev) && Matches(ev, f) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}
