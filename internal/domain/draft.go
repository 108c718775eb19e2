package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Draft is the raw, unvalidated form input for a calendar event. List
// fields are comma separated.
type Draft struct {
	// UID is empty for a new event and set when editing an existing one.
	UID string `json:"uid,omitempty"`

	Title           string `json:"title"`
	Content         string `json:"content"`
	Summary         string `json:"summary,omitempty"`
	Image           string `json:"image,omitempty"`
	ImageDimensions string `json:"imageDimensions,omitempty"`

	StartDate string `json:"startDate"`
	StartTime string `json:"startTime"`
	EndDate   string `json:"endDate"`
	EndTime   string `json:"endTime"`

	// Timezone is an IANA zone name applied to both start and end. Empty
	// means the default zone passed to Build.
	Timezone string `json:"timezone,omitempty"`

	Geohash           string `json:"geohash,omitempty"`
	Location          string `json:"location,omitempty"`
	Label             string `json:"label,omitempty"`
	DescriptiveLabels string `json:"descriptiveLabels,omitempty"`
	Hashtags          string `json:"hashtags,omitempty"`
	ReferenceLinks    string `json:"referenceLinks,omitempty"`
}

// BuildOptions controls how a Draft becomes a CalendarEvent.
type BuildOptions struct {
	// DefaultTimezone is used when the draft leaves Timezone empty.
	DefaultTimezone string

	// NewUID generates the d-tag for new events. Defaults to a random UUID.
	NewUID func() string
}

// NewUID returns a fresh random event identifier.
func NewUID() string {
	return uuid.NewString()
}

// SplitList splits a comma separated list, trimming every item and
// dropping empty and repeated ones. Order of first appearance is kept.
func SplitList(s string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// Build validates the draft and constructs the canonical event. Validation
// problems are reported together as a single apperr validation error.
func (d Draft) Build(opts BuildOptions) (CalendarEvent, error) {
	problems := map[string]string{}

	title := strings.TrimSpace(d.Title)
	if title == "" {
		problems["title"] = "title is required"
	}
	if strings.TrimSpace(d.Content) == "" {
		problems["content"] = "content is required"
	}

	tz := strings.TrimSpace(d.Timezone)
	if tz == "" {
		tz = opts.DefaultTimezone
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		problems["timezone"] = "unknown timezone " + tz
		loc = nil
	}

	var start, end time.Time
	if loc != nil {
		var ok bool
		if start, ok = parseDateTime(d.StartDate, d.StartTime, loc); !ok {
			problems["start"] = "start must be a date (YYYY-MM-DD) and time (HH:MM)"
		}
		if end, ok = parseDateTime(d.EndDate, d.EndTime, loc); !ok {
			problems["end"] = "end must be a date (YYYY-MM-DD) and time (HH:MM)"
		}
		if _, bad := problems["start"]; !bad {
			if _, bad := problems["end"]; !bad && end.Before(start) {
				problems["end"] = "end must not be before start"
			}
		}
	}

	if len(problems) > 0 {
		return CalendarEvent{}, apperr.Validation(problems)
	}

	uid := strings.TrimSpace(d.UID)
	if uid == "" {
		newUID := opts.NewUID
		if newUID == nil {
			newUID = NewUID
		}
		uid = newUID()
	}

	ev := CalendarEvent{
		Kind:    KindCalendarEvent,
		UID:     uid,
		Content: d.Content,
		Title:   title,
		Summary: strings.TrimSpace(d.Summary),
		Image: Image{
			URL:        strings.TrimSpace(d.Image),
			Dimensions: strings.TrimSpace(d.ImageDimensions),
		},
		Start:      start,
		End:        end,
		StartTZ:    tz,
		EndTZ:      tz,
		Geohash:    strings.TrimSpace(d.Geohash),
		Location:   strings.TrimSpace(d.Location),
		Label:      strings.TrimSpace(d.Label),
		Labels:     SplitList(d.DescriptiveLabels),
		Hashtags:   SplitList(d.Hashtags),
		References: SplitList(d.ReferenceLinks),
	}
	if ev.Image.URL == "" {
		ev.Image.Dimensions = ""
	}
	return ev, nil
}

// DraftFromEvent returns the editable form of an existing event. Building
// the result reuses the event's UID.
func DraftFromEvent(ev CalendarEvent) Draft {
	d := Draft{
		UID:               ev.UID,
		Title:             ev.Title,
		Content:           ev.Content,
		Summary:           ev.Summary,
		Image:             ev.Image.URL,
		ImageDimensions:   ev.Image.Dimensions,
		Timezone:          ev.StartTZ,
		Geohash:           ev.Geohash,
		Location:          ev.Location,
		Label:             ev.Label,
		DescriptiveLabels: strings.Join(ev.Labels, ", "),
		Hashtags:          strings.Join(ev.Hashtags, ", "),
		ReferenceLinks:    strings.Join(ev.References, ", "),
	}
	if !ev.Start.IsZero() {
		d.StartDate = ev.Start.Format(dateLayout)
		d.StartTime = ev.Start.Format(timeLayout)
	}
	if !ev.End.IsZero() {
		d.EndDate = ev.End.Format(dateLayout)
		d.EndTime = ev.End.Format(timeLayout)
	}
	return d
}

func parseDateTime(date, clock string, loc *time.Location) (time.Time, bool) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(dateLayout+"T"+timeLayout, date+"T"+clock, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
