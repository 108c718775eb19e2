package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/publish"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/signer"
)

const testSecret = "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a"

var fixedNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type okConn struct {
	url    string
	mu     sync.Mutex
	closed bool
}

func (c *okConn) URL() string                                { return c.url }
func (c *okConn) Publish(context.Context, nostr.Event) error { return nil }
func (c *okConn) Subscribe(context.Context, nostr.Filters, func(*nostr.Event)) (func(), error) {
	return func() {}, nil
}

func (c *okConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *okConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type dialer struct{ fail bool }

func (d dialer) Dial(_ context.Context, url string) (relay.Conn, error) {
	if d.fail {
		return nil, errors.New("refused")
	}
	return &okConn{url: url}, nil
}

func open(t *testing.T, s signer.Signer, d relay.Dialer) *Session {
	t.Helper()
	sess, err := Open(context.Background(), Options{
		Relays:    []string{"wss://a.example"},
		Timezone:  time.UTC,
		Retention: 24 * time.Hour,
	}, Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: d,
		Signer: s,
		Now:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func keySigner(t *testing.T) signer.Signer {
	t.Helper()
	s, err := signer.NewKeySigner(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func fillMeetup(d *domain.Draft) {
	d.Title = "Meetup"
	d.Content = "desc"
	d.StartDate = "2025-06-01"
	d.StartTime = "18:00"
	d.EndDate = "2025-06-01"
	d.EndTime = "20:00"
}

func TestSubmitEditAndSignOut(t *testing.T) {
	sess := open(t, keySigner(t), dialer{})

	u := sess.User()
	if !u.Authenticated || u.PubKey == "" {
		t.Fatalf("expected signed in user, got %+v", u)
	}

	sess.Form.Update(fillMeetup)
	res, err := sess.Submit(context.Background())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sess.Pipeline.Status().Phase != publish.Published {
		t.Fatalf("phase = %s", sess.Pipeline.Status().Phase)
	}
	if sess.Form.Snapshot().Title != "" {
		t.Fatal("expected form to be cleared after publishing")
	}

	feed := sess.Feed.Events()
	if len(feed) != 1 || feed[0].UID != res.Event.UID {
		t.Fatalf("expected published event in feed, got %+v", feed)
	}

	d, err := sess.Edit(res.Event.UID)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if d.UID != res.Event.UID || sess.Form.Snapshot().Title != "Meetup" {
		t.Fatalf("expected form loaded for editing, got %+v", sess.Form.Snapshot())
	}
	if _, err := sess.Edit("missing"); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	sess.SignOut()
	if sess.User().Authenticated {
		t.Fatal("expected signed out user")
	}
	if sess.Events.Len() != 0 || sess.Form.Snapshot().UID != "" {
		t.Fatal("expected per-user state cleared")
	}
	if _, err := sess.Submit(context.Background()); apperr.CodeOf(err) != apperr.CodeSigning {
		t.Fatalf("expected signing error after sign out, got %v", err)
	}
}

func TestOpenWithoutSigner(t *testing.T) {
	sess := open(t, nil, dialer{})
	if sess.User().Authenticated {
		t.Fatal("expected read-only session")
	}
	if err := sess.SignIn(context.Background()); apperr.CodeOf(err) != apperr.CodeSigning {
		t.Fatalf("expected signing error, got %v", err)
	}
}

func TestOpenFailsWithoutRelays(t *testing.T) {
	_, err := Open(context.Background(), Options{Relays: []string{"wss://a.example"}}, Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: dialer{fail: true},
	})
	if apperr.CodeOf(err) != apperr.CodeConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestCleanupPrunesEndedEvents(t *testing.T) {
	sess := open(t, keySigner(t), dialer{})
	ctx := context.Background()

	old := domain.CalendarEvent{UID: "old", Start: fixedNow.AddDate(0, 0, -3), End: fixedNow.AddDate(0, 0, -3).Add(time.Hour)}
	recent := domain.CalendarEvent{UID: "recent", Start: fixedNow.Add(-2 * time.Hour), End: fixedNow.Add(-time.Hour)}
	sess.Events.Put(ctx, old)
	sess.Events.Put(ctx, recent)

	if n := sess.Cleanup(ctx); n != 1 {
		t.Fatalf("removed %d events, want 1", n)
	}
	if _, ok := sess.Events.Get("recent"); !ok {
		t.Fatal("event inside the retention window was removed")
	}
}

func TestRunAndClose(t *testing.T) {
	sess := open(t, keySigner(t), dialer{})
	sess.opts.CleanupSchedule = "@every 1h"

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := sess.Run(context.Background()); err == nil {
		t.Fatal("expected second Run to fail")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sess.Relays.ConnectedCount() != 0 {
		t.Fatal("expected relays closed")
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunRejectsBadSchedule(t *testing.T) {
	sess := open(t, keySigner(t), dialer{})
	sess.opts.CleanupSchedule = "not a schedule"
	if err := sess.Run(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}
