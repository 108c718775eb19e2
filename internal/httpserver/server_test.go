package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/config"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/nip05"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/session"
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

type dialer struct{}

func (dialer) Dial(_ context.Context, url string) (relay.Conn, error) {
	return &okConn{url: url}, nil
}

type fixture struct {
	sess    *session.Session
	handler http.Handler
}

func newFixture(t *testing.T, sign signer.Signer, resolver *nip05.Client) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess, err := session.Open(context.Background(), session.Options{
		Relays:   []string{"wss://a.example"},
		Timezone: time.UTC,
	}, session.Deps{
		Logger: logger,
		Dialer: dialer{},
		Signer: sign,
		Now:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	cfg := &config.Config{Port: 0, CORSOrigins: []string{"http://localhost:5173"}}
	srv := NewServer(cfg, sess, resolver, logger)
	return &fixture{sess: sess, handler: srv.Handler()}
}

func keySigner(t *testing.T) signer.Signer {
	t.Helper()
	s, err := signer.NewKeySigner(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code apperr.Code) apperr.Record {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	record := decode[apperr.Record](t, rec)
	if record.Code != code {
		t.Fatalf("code = %s, want %s", record.Code, code)
	}
	return record
}

func meetup() domain.Draft {
	return domain.Draft{
		Title:     "Meetup",
		Content:   "desc",
		StartDate: "2025-06-01",
		StartTime: "18:00",
		EndDate:   "2025-06-01",
		EndTime:   "20:00",
		Hashtags:  "tech",
		Location:  "Library",
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["relaysConnected"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreateListAndGetEvent(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)

	rec := f.do(t, http.MethodPost, "/api/events", meetup())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[publishJSON](t, rec)
	if created.Event.UID == "" || created.Event.ID == "" {
		t.Fatalf("expected signed event, got %+v", created.Event)
	}
	if len(created.Accepted) != 1 || created.Accepted[0] != "wss://a.example" {
		t.Fatalf("accepted = %v", created.Accepted)
	}

	list := decode[struct {
		Sort   string      `json:"sort"`
		Events []eventJSON `json:"events"`
	}](t, f.do(t, http.MethodGet, "/api/events", nil))
	if len(list.Events) != 1 || list.Events[0].UID != created.Event.UID {
		t.Fatalf("unexpected list %+v", list)
	}

	got := decode[eventJSON](t, f.do(t, http.MethodGet, "/api/events/"+created.Event.UID, nil))
	if got.Title != "Meetup" || got.Location != "Library" || len(got.Relays) != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestUpdateEventKeepsUID(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	created := decode[publishJSON](t, f.do(t, http.MethodPost, "/api/events", meetup()))

	d := meetup()
	d.Title = "Meetup (moved)"
	rec := f.do(t, http.MethodPut, "/api/events/"+created.Event.UID, d)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decode[publishJSON](t, rec)
	if updated.Event.UID != created.Event.UID || updated.Event.Title != "Meetup (moved)" {
		t.Fatalf("unexpected update %+v", updated.Event)
	}
	if n := f.sess.Events.Len(); n != 1 {
		t.Fatalf("expected one cached event, got %d", n)
	}

	got := decode[eventJSON](t, f.do(t, http.MethodGet, "/api/events/"+created.Event.UID, nil))
	if got.Title != "Meetup (moved)" || got.ID != updated.Event.ID {
		t.Fatalf("cache still holds %q (%s), want %s", got.Title, got.ID, updated.Event.ID)
	}
}

func TestUpdateForeignEventRejected(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)

	other, err := signer.NewKeySigner("5c0c523f52a5b6fad39ed2403092df8cebc36318b39383bca6c00808626fab3a")
	if err != nil {
		t.Fatal(err)
	}
	otherPub, err := other.PublicKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ev, err := meetup().Build(domain.BuildOptions{NewUID: func() string { return "foreign" }})
	if err != nil {
		t.Fatal(err)
	}
	ev.ID = "aa"
	ev.PubKey = otherPub
	ev.CreatedAt = fixedNow
	f.sess.Events.Put(context.Background(), ev, "wss://a.example")

	d := meetup()
	d.Title = "Hijacked"
	rec := f.do(t, http.MethodPut, "/api/events/foreign", d)
	expectError(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	stored, _ := f.sess.Events.Get("foreign")
	if stored.Event.PubKey != otherPub || stored.Event.Title != "Meetup" {
		t.Fatalf("foreign event was replaced: %+v", stored.Event)
	}
	expectError(t, f.do(t, http.MethodPost, "/api/draft/load/foreign", nil), http.StatusBadRequest, apperr.CodeValidation)
}

func TestUpdateUnknownEvent(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	rec := f.do(t, http.MethodPut, "/api/events/missing", meetup())
	expectError(t, rec, http.StatusNotFound, apperr.CodeNotFound)
}

func TestGetUnknownEvent(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	expectError(t, f.do(t, http.MethodGet, "/api/events/missing", nil), http.StatusNotFound, apperr.CodeNotFound)
}

func TestCreateEventValidation(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	d := meetup()
	d.Title = ""
	d.EndTime = "17:00"
	record := expectError(t, f.do(t, http.MethodPost, "/api/events", d), http.StatusBadRequest, apperr.CodeValidation)
	for _, field := range []string{"title", "end"} {
		if _, ok := record.Details[field]; !ok {
			t.Fatalf("expected %q in details, got %v", field, record.Details)
		}
	}
	if f.sess.Events.Len() != 0 {
		t.Fatal("invalid draft must not reach the cache")
	}
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, apperr.CodeValidation)
}

func TestCreateWithoutSigner(t *testing.T) {
	f := newFixture(t, nil, nil)
	expectError(t, f.do(t, http.MethodPost, "/api/events", meetup()), http.StatusUnauthorized, apperr.CodeSigning)

	me := decode[session.User](t, f.do(t, http.MethodGet, "/api/me", nil))
	if me.Authenticated {
		t.Fatalf("expected anonymous user, got %+v", me)
	}
}

func TestDraftLifecycle(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)

	f.do(t, http.MethodPatch, "/api/draft", map[string]string{"title": "Meetup", "content": "desc"})
	d := decode[domain.Draft](t, f.do(t, http.MethodPatch, "/api/draft", map[string]string{
		"startDate": "2025-06-01", "startTime": "18:00",
		"endDate": "2025-06-01", "endTime": "20:00",
	}))
	if d.Title != "Meetup" || d.StartDate != "2025-06-01" {
		t.Fatalf("expected merged draft, got %+v", d)
	}

	rec := f.do(t, http.MethodPost, "/api/draft/submit", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decode[publishJSON](t, rec)

	if got := decode[domain.Draft](t, f.do(t, http.MethodGet, "/api/draft", nil)); got.Title != "" {
		t.Fatalf("expected cleared draft, got %+v", got)
	}

	status := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/publish/status", nil))
	if status["phase"] != "published" || status["uid"] != res.Event.UID {
		t.Fatalf("unexpected status %v", status)
	}

	loaded := decode[domain.Draft](t, f.do(t, http.MethodPost, "/api/draft/load/"+res.Event.UID, nil))
	if loaded.UID != res.Event.UID || loaded.Title != "Meetup" {
		t.Fatalf("unexpected loaded draft %+v", loaded)
	}

	if got := decode[domain.Draft](t, f.do(t, http.MethodDelete, "/api/draft", nil)); got.UID != "" {
		t.Fatalf("expected reset draft, got %+v", got)
	}
}

func TestSubmitEmptyDraft(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	expectError(t, f.do(t, http.MethodPost, "/api/draft/submit", nil), http.StatusBadRequest, apperr.CodeValidation)
}

func TestSort(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)

	body := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/sort", nil))
	if body["option"] != "upcoming" {
		t.Fatalf("default option = %v", body["option"])
	}

	body = decode[map[string]any](t, f.do(t, http.MethodPut, "/api/sort", map[string]string{"option": "all"}))
	if body["option"] != "all" {
		t.Fatalf("option = %v", body["option"])
	}

	expectError(t, f.do(t, http.MethodPut, "/api/sort", map[string]string{"option": "yesterday"}), http.StatusBadRequest, apperr.CodeValidation)
	if f.sess.Sort.Get() != "all" {
		t.Fatalf("rejected option changed the store: %s", f.sess.Sort.Get())
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	f.do(t, http.MethodPost, "/api/events", meetup())

	loc := "museum"
	res := decode[searchJSON](t, f.do(t, http.MethodPut, "/api/search", searchUpdate{Location: &loc, Tags: []string{"#Tech"}}))
	if res.Location == nil || *res.Location != "museum" || len(res.Tags) != 1 {
		t.Fatalf("unexpected filter %+v", res)
	}

	list := decode[struct {
		Events []eventJSON `json:"events"`
	}](t, f.do(t, http.MethodGet, "/api/events", nil))
	if len(list.Events) != 0 {
		t.Fatalf("expected location filter to hide the event, got %d", len(list.Events))
	}

	query := "meet"
	res = decode[searchJSON](t, f.do(t, http.MethodPut, "/api/search", searchUpdate{Query: &query}))
	if !res.Pending {
		t.Fatal("expected query edit to be pending")
	}

	res = decode[searchJSON](t, f.do(t, http.MethodDelete, "/api/search", nil))
	if res.Location != nil || len(res.Tags) != 0 || res.Query != "" || res.Pending {
		t.Fatalf("expected reset filter, got %+v", res)
	}
}

func TestSearchRejectsInvertedRange(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	body := map[string]any{"dateRange": map[string]any{
		"start": "2025-06-02T00:00:00Z",
		"end":   "2025-06-01T00:00:00Z",
	}}
	expectError(t, f.do(t, http.MethodPut, "/api/search", body), http.StatusBadRequest, apperr.CodeValidation)
}

func TestRelaysAndMe(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)

	relays := decode[struct {
		Relays []relay.RelayState `json:"relays"`
	}](t, f.do(t, http.MethodGet, "/api/relays", nil))
	if len(relays.Relays) != 1 || !relays.Relays[0].Connected {
		t.Fatalf("unexpected relays %+v", relays)
	}

	me := decode[session.User](t, f.do(t, http.MethodGet, "/api/me", nil))
	if !me.Authenticated || me.PubKey == "" {
		t.Fatalf("unexpected user %+v", me)
	}
}

func TestProfileVerify(t *testing.T) {
	const pubkey = "b0635d6a9851d3aed0cd6c495b282167acf761729078d975fc341b22650b07b9"
	wellKnown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"names":{"alice":%q}}`, pubkey)
	}))
	defer wellKnown.Close()

	f := newFixture(t, keySigner(t), nip05.NewClient(nip05.WithBaseURL(wellKnown.URL)))
	expectError(t, f.do(t, http.MethodGet, "/api/profiles/"+pubkey, nil), http.StatusNotFound, apperr.CodeNotFound)

	f.sess.Profiles.Put(context.Background(), domain.Profile{
		PubKey:    pubkey,
		Name:      "Alice",
		Metadata:  map[string]any{"nip05": "alice@example.com"},
		UpdatedAt: time.Unix(10, 0),
	})

	got := decode[profileJSON](t, f.do(t, http.MethodGet, "/api/profiles/"+pubkey+"?verify=1", nil))
	if got.Name != "Alice" || got.NIP05 != "alice@example.com" {
		t.Fatalf("unexpected profile %+v", got)
	}
	if got.Verified == nil || !*got.Verified {
		t.Fatalf("expected verified profile, got %+v", got.Verified)
	}

	plain := decode[profileJSON](t, f.do(t, http.MethodGet, "/api/profiles/"+pubkey, nil))
	if plain.Verified != nil {
		t.Fatal("expected no verification without ?verify")
	}
}

func TestCalendarExport(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	f.do(t, http.MethodPost, "/api/events", meetup())

	rec := f.do(t, http.MethodGet, "/calendar.ics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "BEGIN:VCALENDAR") || !strings.Contains(body, "SUMMARY:Meetup") {
		t.Fatalf("unexpected calendar:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, keySigner(t), nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/events", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeValidation:        http.StatusBadRequest,
		apperr.CodeNotFound:          http.StatusNotFound,
		apperr.CodePublishInProgress: http.StatusConflict,
		apperr.CodeSigning:           http.StatusUnauthorized,
		apperr.CodeConnection:        http.StatusServiceUnavailable,
		apperr.CodePublish:           http.StatusBadGateway,
		apperr.CodeUnknown:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
