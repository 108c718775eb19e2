// Package session holds the application context: every store, cache and
// collaborator a signed-in user works with, with an explicit lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/cache"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/ingest"
	"github.com/blackmichael/nostr-calendar/internal/publish"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/signer"
	"github.com/blackmichael/nostr-calendar/internal/state"
	"github.com/blackmichael/nostr-calendar/internal/view"
)

// Options are the tunables a session is opened with.
type Options struct {
	Relays          []string
	Timezone        *time.Location
	ConnectTimeout  time.Duration
	PublishTimeout  time.Duration
	SearchDebounce  time.Duration
	CleanupSchedule string
	Retention       time.Duration
}

// Deps are the collaborators a session is built from. Archive and Cursors
// may be nil; Signer nil means read-only.
type Deps struct {
	Logger  *slog.Logger
	Dialer  relay.Dialer
	Signer  signer.Signer
	Archive domain.EventArchive
	Cursors domain.CursorRepository
	Clock   state.Clock
	Now     func() time.Time
}

// User is the signed-in identity.
type User struct {
	PubKey        string          `json:"pubkey,omitempty"`
	Profile       *domain.Profile `json:"profile,omitempty"`
	Authenticated bool            `json:"authenticated"`
}

// Session is the application context.
type Session struct {
	logger *slog.Logger
	opts   Options
	now    func() time.Time
	signer signer.Signer

	Relays   *relay.Pool
	Events   *cache.EventCache
	Profiles *cache.ProfileCache
	Search   *state.SearchStore
	Sort     *state.SortStore
	Form     *state.FormStore
	Pipeline *publish.Pipeline
	Feed     *view.Feed
	Ingest   *ingest.Subscriber

	user *state.Subject[User]

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// Open starts a session: it warms the caches from the archive, connects to
// the relays and signs the user in when a signer is available. Failing to
// reach any relay fails the session.
func Open(ctx context.Context, opts Options, deps Deps) (*Session, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if opts.Timezone == nil {
		opts.Timezone = time.UTC
	}
	sign := deps.Signer
	if sign == nil {
		sign = signer.Unavailable{}
	}

	s := &Session{
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return now().In(opts.Timezone) },
		signer:   sign,
		Events:   cache.NewEventCache(deps.Archive, logger.With("component", "events")),
		Profiles: cache.NewProfileCache(deps.Archive, logger.With("component", "profiles")),
		Sort:     state.NewSortStore(),
		Form:     state.NewFormStore(),
		user:     state.NewSubject(User{}),
	}

	searchOpts := []state.SearchOption{state.WithDebounce(opts.SearchDebounce)}
	if deps.Clock != nil {
		searchOpts = append(searchOpts, state.WithClock(deps.Clock))
	}
	s.Search = state.NewSearchStore(searchOpts...)

	if err := s.Events.Load(ctx); err != nil {
		logger.Warn("failed to load archived events", "error", err)
	}
	if err := s.Profiles.Load(ctx); err != nil {
		logger.Warn("failed to load archived profiles", "error", err)
	}

	pool, err := relay.Connect(ctx, deps.Dialer, opts.Relays, relay.Options{
		ConnectTimeout: opts.ConnectTimeout,
		PublishTimeout: opts.PublishTimeout,
		Logger:         logger.With("component", "relay"),
	})
	if err != nil {
		return nil, err
	}
	s.Relays = pool

	s.Pipeline = publish.New(sign, pool, s.Events, publish.Options{
		DefaultTimezone: opts.Timezone.String(),
		Now:             now,
	}, logger.With("component", "publish"))
	s.Feed = view.NewFeed(s.Events, s.Search, s.Sort, s.now)
	s.Ingest = ingest.NewSubscriber(pool, s.Events, s.Profiles, deps.Cursors, logger.With("component", "ingest"),
		ingest.WithAuthors(s.userAuthors))

	if err := s.SignIn(ctx); err != nil {
		logger.Warn("continuing without a signed-in user", "error", err)
	}
	return s, nil
}

// SignIn asks the signer for the user's public key.
func (s *Session) SignIn(ctx context.Context) error {
	pub, err := s.signer.PublicKey(ctx)
	if err != nil {
		return apperr.Wrap(apperr.CodeSigning, "signer unavailable", err)
	}
	s.user.Set(User{PubKey: pub, Authenticated: true})
	s.logger.Info("signed in", "pubkey", pub)
	return nil
}

// SignOut clears the user and every per-user store. Relay connections and
// the archive are kept.
func (s *Session) SignOut() {
	s.user.Set(User{})
	s.Form.Reset()
	s.Search.Reset()
	s.Sort.Reset()
	s.Pipeline.Reset()
	s.Events.Clear()
	s.Profiles.Clear()
	s.logger.Info("signed out")
}

// User returns the current user with their last known profile.
func (s *Session) User() User {
	u := s.user.Get()
	if u.PubKey != "" {
		if p, ok := s.Profiles.Get(u.PubKey); ok {
			u.Profile = &p
		}
	}
	return u
}

func (s *Session) userAuthors() []string {
	if pk := s.user.Get().PubKey; pk != "" {
		return []string{pk}
	}
	return nil
}

// SubscribeUser calls fn on every sign in and sign out.
func (s *Session) SubscribeUser(fn func(User)) func() {
	return s.user.Subscribe(fn)
}

// Now returns the current time in the session's zone.
func (s *Session) Now() time.Time {
	return s.now()
}

// Submit publishes the current form. The form is cleared once the event
// is published.
func (s *Session) Submit(ctx context.Context) (*publish.Result, error) {
	if !s.user.Get().Authenticated {
		return nil, apperr.New(apperr.CodeSigning, "no user is signed in")
	}
	res, err := s.Pipeline.Submit(ctx, s.Form.Snapshot())
	if err != nil {
		return nil, err
	}
	s.Form.Reset()
	return res, nil
}

// Edit loads the cached event uid into the form.
func (s *Session) Edit(uid string) (domain.Draft, error) {
	stored, err := s.EditableEvent(uid)
	if err != nil {
		return domain.Draft{}, err
	}
	d := domain.DraftFromEvent(stored.Event)
	s.Form.Load(d)
	return d, nil
}

// EditableEvent returns the cached event uid if the signed-in user
// authored it. Republishing someone else's uid would replace their entry.
func (s *Session) EditableEvent(uid string) (domain.StoredEvent, error) {
	stored, ok := s.Events.Get(uid)
	if !ok {
		return domain.StoredEvent{}, apperr.New(apperr.CodeNotFound, fmt.Sprintf("event %s not found", uid))
	}
	if u := s.user.Get(); stored.Event.PubKey != "" && stored.Event.PubKey != u.PubKey {
		return domain.StoredEvent{}, apperr.WithDetails(apperr.CodeValidation,
			"event was published by another author", map[string]any{"uid": uid, "pubkey": stored.Event.PubKey})
	}
	return stored, nil
}

// Run starts the background work of the session: relay ingest and the
// cleanup job. It returns immediately.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	if s.cancel != nil {
		return errors.New("session already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Ingest.Start(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("ingest exited with error", "error", err)
		}
	}()

	if s.opts.CleanupSchedule != "" {
		if err := s.startCleanupJob(ctx, s.opts.CleanupSchedule); err != nil {
			cancel()
			s.cancel = nil
			return err
		}
	}
	return nil
}

// startCleanupJob prunes ended events on schedule, and once right away.
// Callers hold s.mu.
func (s *Session) startCleanupJob(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithLocation(s.opts.Timezone))
	if _, err := c.AddFunc(schedule, func() { s.Cleanup(ctx) }); err != nil {
		return fmt.Errorf("schedule cleanup %q: %w", schedule, err)
	}
	s.Cleanup(ctx)
	c.Start()
	s.cron = c
	return nil
}

// Cleanup drops events that ended more than the retention period ago.
func (s *Session) Cleanup(ctx context.Context) int {
	if s.opts.Retention <= 0 {
		return 0
	}
	removed := s.Events.Prune(ctx, s.now().Add(-s.opts.Retention))
	if removed > 0 {
		s.logger.Info("event cleanup complete", "deleted", removed)
	}
	return removed
}

// Close stops background work and closes the relay connections.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.Feed.Close()
	return s.Relays.Close()
}
