// Package ingest feeds calendar events and author profiles from the relays
// into the local caches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/blackmichael/nostr-calendar/internal/cache"
	"github.com/blackmichael/nostr-calendar/internal/domain"
)

const (
	cursorName = "relays"

	defaultCursorSaveInterval = 5 * time.Second
	defaultBackoff            = 5 * time.Second
	defaultStatsInterval      = 30 * time.Second

	// maxProfileAuthors bounds the authors filter of the profile
	// subscription.
	maxProfileAuthors = 500
)

// ErrNoRelays is returned when every relay has disconnected.
var ErrNoRelays = errors.New("no relay connected")

// errAuthorsChanged ends a subscription so the next one follows the
// profiles of newly seen authors.
var errAuthorsChanged = errors.New("followed authors changed")

// Source is the relay pool as seen by the subscriber.
type Source interface {
	Subscribe(ctx context.Context, filters nostr.Filters, fn func(relay string, ev *nostr.Event)) (func(), error)
	ConnectedCount() int
}

type received struct {
	relay string
	event *nostr.Event
}

// Subscriber keeps a subscription for calendar events and profiles open and
// applies what arrives to the caches.
type Subscriber struct {
	source   Source
	events   *cache.EventCache
	profiles *cache.ProfileCache
	cursors  domain.CursorRepository
	logger   *slog.Logger
	authors  func() []string

	cursorSaveInterval time.Duration
	backoff            time.Duration
	statsInterval      time.Duration
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithBackoff sets the wait between resubscription attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Subscriber) { s.backoff = d }
}

// WithAuthors adds pubkeys whose profiles are always followed, such as the
// signed-in user. fn is called at the start of every subscription.
func WithAuthors(fn func() []string) Option {
	return func(s *Subscriber) { s.authors = fn }
}

// WithCursorSaveInterval sets how often the cursor is persisted.
func WithCursorSaveInterval(d time.Duration) Option {
	return func(s *Subscriber) { s.cursorSaveInterval = d }
}

// NewSubscriber creates a subscriber. cursors may be nil, in which case
// every subscription starts from the relays' stored history.
func NewSubscriber(
	source Source,
	events *cache.EventCache,
	profiles *cache.ProfileCache,
	cursors domain.CursorRepository,
	logger *slog.Logger,
	opts ...Option,
) *Subscriber {
	s := &Subscriber{
		source:             source,
		events:             events,
		profiles:           profiles,
		cursors:            cursors,
		logger:             logger,
		cursorSaveInterval: defaultCursorSaveInterval,
		backoff:            defaultBackoff,
		statsInterval:      defaultStatsInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes and processes events until ctx is cancelled, subscribing
// again after errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			err := s.subscribe(ctx)
			if errors.Is(err, errAuthorsChanged) {
				s.logger.Debug("resubscribing for new authors")
				continue
			}
			if err != nil && ctx.Err() == nil {
				s.logger.Error("relay subscription error, resubscribing", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.backoff):
				}
			}
		}
	}
}

// Filters returns the subscription filters: calendar events newer than
// cursor, and the latest profile of each of authors. Profiles are not
// bounded by the cursor since a newly followed author's profile is usually
// older than it.
func Filters(cursor int64, authors []string) nostr.Filters {
	calendar := nostr.Filter{Kinds: []int{domain.KindCalendarEvent}}
	if cursor > 0 {
		since := nostr.Timestamp(cursor)
		calendar.Since = &since
	}
	filters := nostr.Filters{calendar}
	if len(authors) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds:   []int{domain.KindProfileMetadata},
			Authors: authors,
			Limit:   len(authors),
		})
	}
	return filters
}

// profileAuthors returns the authors whose profiles are followed: the
// configured ones first, then the authors of cached events.
func (s *Subscriber) profileAuthors() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(pubkey string) {
		if pubkey == "" || len(out) >= maxProfileAuthors {
			return
		}
		if _, ok := seen[pubkey]; ok {
			return
		}
		seen[pubkey] = struct{}{}
		out = append(out, pubkey)
	}
	if s.authors != nil {
		for _, pk := range s.authors() {
			add(pk)
		}
	}
	for _, stored := range s.events.All() {
		add(stored.Event.PubKey)
	}
	return out
}

func (s *Subscriber) loadCursor(ctx context.Context) int64 {
	if s.cursors == nil {
		return 0
	}
	cursor, err := s.cursors.GetCursor(ctx, cursorName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from stored history", "error", err)
		return 0
	}
	return cursor
}

func (s *Subscriber) saveCursor(ctx context.Context, cursor int64) error {
	if s.cursors == nil || cursor == 0 {
		return nil
	}
	return s.cursors.UpdateCursor(ctx, cursorName, cursor)
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	if s.source.ConnectedCount() == 0 {
		return ErrNoRelays
	}

	cursor := s.loadCursor(ctx)
	authors := s.profileAuthors()
	followed := make(map[string]struct{}, len(authors))
	for _, pk := range authors {
		followed[pk] = struct{}{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	incoming := make(chan received, 256)
	stop, err := s.source.Subscribe(subCtx, Filters(cursor, authors), func(relay string, ev *nostr.Event) {
		select {
		case incoming <- received{relay: relay, event: ev}:
		case <-subCtx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stop()

	s.logger.Info("subscribed to relays", "since", cursor, "authors", len(authors))

	latest := cursor
	saved := cursor
	var eventsReceived, eventsStored, profilesStored, eventsRejected int64
	newAuthors := false

	save := func() {
		if latest == saved {
			return
		}
		if err := s.saveCursor(context.WithoutCancel(ctx), latest); err != nil {
			s.logger.Error("failed to save cursor", "error", err)
			return
		}
		saved = latest
	}
	defer save()

	cursorTick := time.NewTicker(s.cursorSaveInterval)
	defer cursorTick.Stop()
	statsTick := time.NewTicker(s.statsInterval)
	defer statsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-incoming:
			eventsReceived++
			switch s.handle(ctx, r, followed) {
			case outcomeEvent:
				eventsStored++
				if _, ok := followed[r.event.PubKey]; !ok && len(followed) < maxProfileAuthors {
					newAuthors = true
				}
			case outcomeProfile:
				profilesStored++
			case outcomeRejected:
				eventsRejected++
				continue
			}
			if r.event.Kind != domain.KindCalendarEvent {
				continue
			}
			if ts := int64(r.event.CreatedAt); ts > latest {
				latest = ts
			}

		case <-cursorTick.C:
			save()
			if s.source.ConnectedCount() == 0 {
				return ErrNoRelays
			}
			if newAuthors {
				return errAuthorsChanged
			}

		case <-statsTick.C:
			s.logger.Info("ingest stats",
				"events_received", eventsReceived,
				"events_stored", eventsStored,
				"profiles_stored", profilesStored,
				"events_rejected", eventsRejected,
			)
		}
	}
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeEvent
	outcomeProfile
	outcomeRejected
)

func (s *Subscriber) handle(ctx context.Context, r received, followed map[string]struct{}) outcome {
	ev := r.event
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		s.logger.Debug("dropping event with invalid signature", "relay", r.relay, "id", ev.ID)
		return outcomeRejected
	}

	switch ev.Kind {
	case domain.KindCalendarEvent:
		cal, err := domain.DecodeEvent(*ev)
		if err != nil {
			s.logger.Debug("dropping malformed calendar event", "relay", r.relay, "id", ev.ID, "error", err)
			return outcomeRejected
		}
		if err := cal.Validate(); err != nil {
			s.logger.Debug("dropping invalid calendar event", "relay", r.relay, "id", ev.ID, "error", err)
			return outcomeRejected
		}
		if res := s.events.Put(ctx, cal, r.relay); res == cache.Ignored {
			return outcomeIgnored
		}
		return outcomeEvent

	case domain.KindProfileMetadata:
		if _, ok := followed[ev.PubKey]; !ok {
			return outcomeIgnored
		}
		p, err := domain.DecodeProfile(*ev)
		if err != nil {
			s.logger.Debug("dropping malformed profile", "relay", r.relay, "pubkey", ev.PubKey, "error", err)
			return outcomeRejected
		}
		s.profiles.Put(ctx, p)
		return outcomeProfile

	default:
		return outcomeIgnored
	}
}
