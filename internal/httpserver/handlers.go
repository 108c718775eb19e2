package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/ical"
	"github.com/blackmichael/nostr-calendar/internal/publish"
	"github.com/blackmichael/nostr-calendar/internal/state"
	"github.com/blackmichael/nostr-calendar/internal/view"
)

type imageJSON struct {
	URL        string `json:"url"`
	Dimensions string `json:"dimensions,omitempty"`
}

type eventJSON struct {
	ID         string     `json:"id,omitempty"`
	PubKey     string     `json:"pubkey,omitempty"`
	CreatedAt  int64      `json:"createdAt,omitempty"`
	UID        string     `json:"uid"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Content    string     `json:"content"`
	Image      *imageJSON `json:"image,omitempty"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	StartTZ    string     `json:"startTzid,omitempty"`
	EndTZ      string     `json:"endTzid,omitempty"`
	Geohash    string     `json:"geohash,omitempty"`
	Location   string     `json:"location,omitempty"`
	Label      string     `json:"label,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	Hashtags   []string   `json:"hashtags,omitempty"`
	References []string   `json:"references,omitempty"`
	Relays     []string   `json:"relays,omitempty"`
}

func toEventJSON(ev domain.CalendarEvent, relays []string) eventJSON {
	out := eventJSON{
		ID:         ev.ID,
		PubKey:     ev.PubKey,
		UID:        ev.UID,
		Title:      ev.Title,
		Summary:    ev.Summary,
		Content:    ev.Content,
		Start:      ev.Start,
		End:        ev.End,
		StartTZ:    ev.StartTZ,
		EndTZ:      ev.EndTZ,
		Geohash:    ev.Geohash,
		Location:   ev.Location,
		Label:      ev.Label,
		Labels:     ev.Labels,
		Hashtags:   ev.Hashtags,
		References: ev.References,
		Relays:     relays,
	}
	if !ev.CreatedAt.IsZero() {
		out.CreatedAt = ev.CreatedAt.Unix()
	}
	if ev.Image.URL != "" {
		out.Image = &imageJSON{URL: ev.Image.URL, Dimensions: ev.Image.Dimensions}
	}
	return out
}

type profileJSON struct {
	PubKey    string         `json:"pubkey"`
	Name      string         `json:"name,omitempty"`
	Avatar    string         `json:"avatar,omitempty"`
	NIP05     string         `json:"nip05,omitempty"`
	Verified  *bool          `json:"verified,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt int64          `json:"updatedAt"`
}

type publishJSON struct {
	Event    eventJSON              `json:"event"`
	Accepted []string               `json:"accepted"`
	Failed   []publish.RelayFailure `json:"failed,omitempty"`
}

func toPublishJSON(res *publish.Result) publishJSON {
	return publishJSON{
		Event:    toEventJSON(res.Event, res.Accepted),
		Accepted: res.Accepted,
		Failed:   res.Failed,
	}
}

// handleListEvents returns the current feed: cached events filtered by the
// search store and windowed by the sort store.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := s.sess.Feed.Events()
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		var relays []string
		if stored, ok := s.sess.Events.Get(ev.Key()); ok {
			relays = stored.Relays
		}
		out = append(out, toEventJSON(ev, relays))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sort":   s.sess.Sort.Get(),
		"events": out,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	stored, ok := s.sess.Events.Get(uid)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, fmt.Sprintf("event %s not found", uid)))
		return
	}
	writeJSON(w, http.StatusOK, toEventJSON(stored.Event, stored.Relays))
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var d domain.Draft
	if err := decodeJSON(w, r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	// A new event never reuses a caller supplied uid; edits go through PUT.
	d.UID = ""
	s.submit(w, r, d, http.StatusCreated)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if _, err := s.sess.EditableEvent(uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	var d domain.Draft
	if err := decodeJSON(w, r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	d.UID = uid
	s.submit(w, r, d, http.StatusOK)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, d domain.Draft, status int) {
	if !s.sess.User().Authenticated {
		s.writeError(w, r, apperr.New(apperr.CodeSigning, "no user is signed in"))
		return
	}
	res, err := s.sess.Pipeline.Submit(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, toPublishJSON(res))
}

func (s *Server) handleGetDraft(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Form.Snapshot())
}

// handlePatchDraft merges the fields present in the body into the form.
func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	patch := s.sess.Form.Snapshot()
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sess.Form.Load(patch)
	writeJSON(w, http.StatusOK, s.sess.Form.Snapshot())
}

func (s *Server) handleResetDraft(w http.ResponseWriter, _ *http.Request) {
	s.sess.Form.Reset()
	writeJSON(w, http.StatusOK, s.sess.Form.Snapshot())
}

func (s *Server) handleLoadDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.sess.Edit(chi.URLParam(r, "uid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSubmitDraft(w http.ResponseWriter, r *http.Request) {
	res, err := s.sess.Submit(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPublishJSON(res))
}

func (s *Server) handlePublishStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.Pipeline.Status())
}

type searchJSON struct {
	state.SearchFilter
	Pending bool `json:"pending"`
}

func (s *Server) searchResponse() searchJSON {
	return searchJSON{SearchFilter: s.sess.Search.Get(), Pending: s.sess.Search.Pending()}
}

func (s *Server) handleGetSearch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.searchResponse())
}

// searchUpdate is a partial search edit. Absent fields are left alone;
// ClearDateRange drops the date range.
type searchUpdate struct {
	Query          *string          `json:"query"`
	DateRange      *state.DateRange `json:"dateRange"`
	ClearDateRange bool             `json:"clearDateRange"`
	Location       *string          `json:"location"`
	Tags           []string         `json:"tags"`
}

func (s *Server) handlePutSearch(w http.ResponseWriter, r *http.Request) {
	var u searchUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.DateRange != nil && u.DateRange.End.Before(u.DateRange.Start) {
		s.writeError(w, r, apperr.Validation(map[string]string{"dateRange": "end must not be before start"}))
		return
	}

	search := s.sess.Search
	switch {
	case u.ClearDateRange:
		search.ClearDateRange()
	case u.DateRange != nil:
		search.SetDateRange(u.DateRange.Start, u.DateRange.End)
	}
	if u.Location != nil {
		search.SetLocation(*u.Location)
	}
	if u.Tags != nil {
		search.SetTags(u.Tags)
	}
	if u.Query != nil {
		search.SetQuery(*u.Query)
	}
	writeJSON(w, http.StatusOK, s.searchResponse())
}

func (s *Server) handleResetSearch(w http.ResponseWriter, _ *http.Request) {
	s.sess.Search.Reset()
	writeJSON(w, http.StatusOK, s.searchResponse())
}

func (s *Server) handleGetSort(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"option":  s.sess.Sort.Get(),
		"options": state.SortOptions,
	})
}

func (s *Server) handlePutSort(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Option string `json:"option"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	opt, err := state.ParseSortOption(body.Option)
	if err != nil {
		s.writeError(w, r, apperr.Validation(map[string]string{"option": err.Error()}))
		return
	}
	if err := s.sess.Sort.SetOption(opt); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetSort(w, r)
}

// handleProfile returns the cached profile of an author. With ?verify=1 the
// advertised nip05 identifier is checked against the pubkey.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	pubkey := chi.URLParam(r, "pubkey")
	p, ok := s.sess.Profiles.Get(pubkey)
	if !ok {
		s.writeError(w, r, apperr.New(apperr.CodeNotFound, fmt.Sprintf("profile %s not found", pubkey)))
		return
	}

	out := profileJSON{
		PubKey:    p.PubKey,
		Name:      p.Name,
		Avatar:    p.Avatar,
		NIP05:     p.NIP05(),
		Metadata:  p.Metadata,
		UpdatedAt: p.UpdatedAt.Unix(),
	}
	if r.URL.Query().Get("verify") != "" && out.NIP05 != "" && s.nip05 != nil {
		verified, err := s.nip05.Verify(r.Context(), out.NIP05, p.PubKey)
		if err != nil {
			s.logger.Warn("nip05 verification failed", "identifier", out.NIP05, "error", err)
		}
		out.Verified = &verified
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCalendarExport writes every cached event that passes the current
// search filter as an iCalendar document.
func (s *Server) handleCalendarExport(w http.ResponseWriter, r *http.Request) {
	now := s.sess.Now()
	events := view.Apply(s.sess.Events.Events(), s.sess.Search.Get(), state.SortAll, now)

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="calendar.ics"`)
	if err := ical.Export(w, events, now); err != nil {
		s.logger.Error("failed to export calendar", "error", err)
	}
}
