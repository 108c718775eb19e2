// Package publish turns a draft into a signed calendar event and publishes
// it to the connected relays.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/cache"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/signer"
	"github.com/blackmichael/nostr-calendar/internal/state"
)

// Phase is a step of a submission.
type Phase string

const (
	Idle       Phase = "idle"
	Building   Phase = "building"
	Signing    Phase = "signing"
	Publishing Phase = "publishing"
	Published  Phase = "published"
	Failed     Phase = "failed"
)

// InFlight reports whether a submission in this phase is still running.
func (p Phase) InFlight() bool {
	return p == Building || p == Signing || p == Publishing
}

// RelayFailure is one relay that did not accept a published event.
type RelayFailure struct {
	Relay string        `json:"relay"`
	Error apperr.Record `json:"error"`
}

// Status is the observable pipeline state.
type Status struct {
	Phase    Phase          `json:"phase"`
	UID      string         `json:"uid,omitempty"`
	EventID  string         `json:"eventId,omitempty"`
	Accepted []string       `json:"accepted,omitempty"`
	Failed   []RelayFailure `json:"failed,omitempty"`
	Error    *apperr.Record `json:"error,omitempty"`
}

// Result is a successful publication. Failed lists relays that did not
// accept the event; it never changes the outcome.
type Result struct {
	Event    domain.CalendarEvent
	Accepted []string
	Failed   []RelayFailure
}

// Relays is the part of the relay pool the pipeline needs.
type Relays interface {
	ConnectedCount() int
	Publish(ctx context.Context, ev nostr.Event) []relay.Result
}

// Cache receives successfully published events. Get supplies the version
// an edit replaces.
type Cache interface {
	Get(key string) (domain.StoredEvent, bool)
	Put(ctx context.Context, ev domain.CalendarEvent, relays ...string) cache.PutResult
}

// Options configures a Pipeline.
type Options struct {
	DefaultTimezone string
	NewUID          func() string
	Now             func() time.Time
}

// Pipeline runs submissions one at a time.
type Pipeline struct {
	logger *slog.Logger
	signer signer.Signer
	relays Relays
	cache  Cache
	opts   Options

	status *state.Subject[Status]
}

// New returns an idle pipeline. cache may be nil.
func New(s signer.Signer, relays Relays, cache Cache, opts Options, logger *slog.Logger) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		logger: logger,
		signer: s,
		relays: relays,
		cache:  cache,
		opts:   opts,
		status: state.NewSubject(Status{Phase: Idle}),
	}
}

// Status returns the current state.
func (p *Pipeline) Status() Status {
	return p.status.Get()
}

// Subscribe calls fn with the current state and every transition.
func (p *Pipeline) Subscribe(fn func(Status)) func() {
	return p.status.Subscribe(fn)
}

// Watch streams state transitions until ctx is done.
func (p *Pipeline) Watch(ctx context.Context) <-chan Status {
	return p.status.Watch(ctx)
}

// Reset returns a finished pipeline to Idle. It is a no-op while a
// submission is running.
func (p *Pipeline) Reset() {
	p.status.TryUpdate(func(s Status) (Status, bool) {
		return Status{Phase: Idle}, !s.Phase.InFlight()
	})
}

// Submit builds, signs and publishes draft. It fails with
// PUBLISH_IN_PROGRESS while another submission is running. Every other
// failure is an *apperr.Error and leaves the pipeline in Failed.
func (p *Pipeline) Submit(ctx context.Context, draft domain.Draft) (*Result, error) {
	if !p.begin() {
		return nil, apperr.New(apperr.CodePublishInProgress, "a publication is already in progress")
	}

	res, err := p.run(ctx, draft)
	if err != nil {
		appErr := apperr.Classify(err)
		rec := apperr.Handle(appErr)
		p.status.Update(func(s Status) Status {
			s.Phase = Failed
			s.Error = &rec
			return s
		})
		p.logger.Warn("publication failed", "code", appErr.Code, "error", appErr)
		return nil, appErr
	}

	p.status.Set(Status{
		Phase:    Published,
		UID:      res.Event.UID,
		EventID:  res.Event.ID,
		Accepted: res.Accepted,
		Failed:   res.Failed,
	})
	p.logger.Info("published event",
		"uid", res.Event.UID,
		"id", res.Event.ID,
		"accepted", len(res.Accepted),
		"failed", len(res.Failed))
	return res, nil
}

// begin moves the pipeline to Building unless a submission is running.
func (p *Pipeline) begin() bool {
	return p.status.TryUpdate(func(s Status) (Status, bool) {
		return Status{Phase: Building}, !s.Phase.InFlight()
	})
}

func (p *Pipeline) setPhase(phase Phase, ev domain.CalendarEvent) {
	p.status.Set(Status{Phase: phase, UID: ev.UID, EventID: ev.ID})
}

func (p *Pipeline) run(ctx context.Context, draft domain.Draft) (*Result, error) {
	ev, err := draft.Build(domain.BuildOptions{
		DefaultTimezone: p.opts.DefaultTimezone,
		NewUID:          p.opts.NewUID,
	})
	if err != nil {
		return nil, err
	}

	p.setPhase(Signing, ev)
	signed, err := p.sign(ctx, ev)
	if err != nil {
		return nil, err
	}
	ev = signed

	p.setPhase(Publishing, ev)
	if p.relays == nil || p.relays.ConnectedCount() == 0 {
		return nil, apperr.New(apperr.CodeConnection, "no relay is connected")
	}

	res := &Result{Event: ev}
	details := make(map[string]any)
	for _, r := range p.relays.Publish(ctx, ev.ToNostr()) {
		if r.OK() {
			res.Accepted = append(res.Accepted, r.Relay)
			continue
		}
		rec := apperr.Handle(relayError(r))
		res.Failed = append(res.Failed, RelayFailure{Relay: r.Relay, Error: rec})
		details[r.Relay] = rec.Message
	}
	if len(res.Accepted) == 0 {
		return nil, apperr.WithDetails(apperr.CodePublish, "no relay accepted the event", details)
	}

	if p.cache != nil {
		p.cache.Put(ctx, ev, res.Accepted...)
	}
	return res, nil
}

// createdAt returns the timestamp for ev. An edit is always dated after the
// version it replaces, so caches and relays that keep the newest created_at
// never hold on to the old one.
func (p *Pipeline) createdAt(ev domain.CalendarEvent) time.Time {
	now := p.opts.Now().UTC().Truncate(time.Second)
	if p.cache == nil {
		return now
	}
	prev, ok := p.cache.Get(ev.Key())
	if !ok {
		return now
	}
	if floor := prev.Event.CreatedAt.UTC().Add(time.Second); now.Before(floor) {
		return floor
	}
	return now
}

func (p *Pipeline) sign(ctx context.Context, ev domain.CalendarEvent) (domain.CalendarEvent, error) {
	if p.signer == nil {
		return ev, apperr.Wrap(apperr.CodeSigning, "no signer available", signer.ErrUnavailable)
	}
	pub, err := p.signer.PublicKey(ctx)
	if err != nil {
		return ev, apperr.Wrap(apperr.CodeSigning, "signer unavailable", err)
	}

	ev.PubKey = pub
	ev.CreatedAt = p.createdAt(ev)
	wire := ev.ToNostr()
	wire.ID = wire.GetID()

	sig, err := p.signer.Sign(ctx, wire.Serialize())
	if err != nil {
		return ev, apperr.Wrap(apperr.CodeSigning, "event was not signed", err)
	}
	ev.ID = wire.ID
	ev.Sig = sig
	return ev, nil
}

func relayError(r relay.Result) error {
	var rejected *relay.RejectedError
	if errors.As(r.Err, &rejected) {
		return apperr.WithDetails(apperr.CodePublish, rejected.Error(), map[string]any{
			"relay":  r.Relay,
			"reason": rejected.Reason,
		})
	}
	if errors.Is(r.Err, relay.ErrNotConnected) {
		return apperr.Wrap(apperr.CodeConnection, "relay "+r.Relay+" is not connected", r.Err)
	}
	return apperr.Wrap(apperr.CodePublish, "relay "+r.Relay+" did not acknowledge the event", r.Err)
}
