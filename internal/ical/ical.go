// Package ical converts calendar events to and from iCalendar documents.
package ical

import (
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/blackmichael/nostr-calendar/internal/domain"
)

const productID = "-//nostr-calendar//EN"

// Export writes events as a VCALENDAR. stamp is used as DTSTAMP.
func Export(w io.Writer, events []domain.CalendarEvent, stamp time.Time) error {
	cal := ics.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ics.MethodPublish)

	for _, ev := range events {
		if ev.Key() == "" || ev.Start.IsZero() {
			continue
		}
		vev := cal.AddEvent(ev.Key())
		vev.SetDtStampTime(stamp)
		if !ev.CreatedAt.IsZero() {
			vev.SetCreatedTime(ev.CreatedAt)
			vev.SetModifiedAt(ev.CreatedAt)
		}
		vev.SetStartAt(ev.Start)
		end := ev.End
		if end.IsZero() {
			end = ev.Start
		}
		vev.SetEndAt(end)
		vev.SetSummary(ev.Title)
		if ev.Content != "" {
			vev.SetDescription(ev.Content)
		}
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if len(ev.References) > 0 {
			vev.SetURL(ev.References[0])
		}
		if len(ev.Hashtags) > 0 {
			vev.AddProperty(ics.ComponentPropertyCategories, strings.Join(ev.Hashtags, ","))
		}
	}

	if _, err := io.WriteString(w, cal.Serialize()); err != nil {
		return fmt.Errorf("write calendar: %w", err)
	}
	return nil
}

// Import reads the VEVENTs of an iCalendar document as drafts. The event
// UID becomes the draft UID so importing the same file twice edits rather
// than duplicates. Events without a start are skipped.
func Import(r io.Reader) ([]domain.Draft, error) {
	cal, err := ics.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var drafts []domain.Draft
	for _, vev := range cal.Events() {
		start, err := vev.GetStartAt()
		if err != nil {
			continue
		}
		end, err := vev.GetEndAt()
		if err != nil {
			end = start
		}

		d := domain.Draft{
			UID:       propValue(vev, ics.ComponentPropertyUniqueId),
			Title:     propValue(vev, ics.ComponentPropertySummary),
			Content:   propValue(vev, ics.ComponentPropertyDescription),
			Location:  propValue(vev, ics.ComponentPropertyLocation),
			Hashtags:  propValue(vev, ics.ComponentPropertyCategories),
			StartDate: start.Format("2006-01-02"),
			StartTime: start.Format("15:04"),
			EndDate:   end.In(start.Location()).Format("2006-01-02"),
			EndTime:   end.In(start.Location()).Format("15:04"),
			Timezone:  start.Location().String(),
		}
		if u := propValue(vev, ics.ComponentPropertyUrl); u != "" {
			d.ReferenceLinks = u
		}
		if d.Content == "" {
			d.Content = d.Title
		}
		if d.Timezone == "Local" {
			d.Timezone = ""
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

func propValue(vev *ics.VEvent, prop ics.ComponentProperty) string {
	if p := vev.GetProperty(prop); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}
