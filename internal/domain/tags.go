package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Tag is one typed wire tag of a calendar event. Every tag name the client
// understands has its own type; DecodeTag is the inverse of Encode.
type Tag interface {
	Encode() nostr.Tag
	isTag()
}

type (
	// Identifier is the d tag.
	Identifier string
	// Title is the title tag.
	Title string
	// Summary is the summary tag.
	Summary string
	// Start is the start tag, a wall clock time without offset.
	Start string
	// End is the end tag, a wall clock time without offset.
	End string
	// StartTZID is the start_tzid tag (IANA zone name).
	StartTZID string
	// EndTZID is the end_tzid tag (IANA zone name).
	EndTZID string
	// Geohash is the g tag.
	Geohash string
	// Location is the location tag.
	Location string
	// LabelNamespace is the L tag.
	LabelNamespace string
	// Label is one l tag.
	Label string
	// Hashtag is one t tag.
	Hashtag string
	// Reference is one r tag.
	Reference string
)

// ImageTag is the image tag; Dimensions becomes the optional third element.
type ImageTag Image

func (v Identifier) Encode() nostr.Tag     { return nostr.Tag{"d", string(v)} }
func (v Title) Encode() nostr.Tag          { return nostr.Tag{"title", string(v)} }
func (v Summary) Encode() nostr.Tag        { return nostr.Tag{"summary", string(v)} }
func (v Start) Encode() nostr.Tag          { return nostr.Tag{"start", string(v)} }
func (v End) Encode() nostr.Tag            { return nostr.Tag{"end", string(v)} }
func (v StartTZID) Encode() nostr.Tag      { return nostr.Tag{"start_tzid", string(v)} }
func (v EndTZID) Encode() nostr.Tag        { return nostr.Tag{"end_tzid", string(v)} }
func (v Geohash) Encode() nostr.Tag        { return nostr.Tag{"g", string(v)} }
func (v Location) Encode() nostr.Tag       { return nostr.Tag{"location", string(v)} }
func (v LabelNamespace) Encode() nostr.Tag { return nostr.Tag{"L", string(v)} }
func (v Label) Encode() nostr.Tag          { return nostr.Tag{"l", string(v)} }
func (v Hashtag) Encode() nostr.Tag        { return nostr.Tag{"t", string(v)} }
func (v Reference) Encode() nostr.Tag      { return nostr.Tag{"r", string(v)} }

func (v ImageTag) Encode() nostr.Tag {
	if v.Dimensions == "" {
		return nostr.Tag{"image", v.URL}
	}
	return nostr.Tag{"image", v.URL, v.Dimensions}
}

func (Identifier) isTag()     {}
func (Title) isTag()          {}
func (Summary) isTag()        {}
func (ImageTag) isTag()       {}
func (Start) isTag()          {}
func (End) isTag()            {}
func (StartTZID) isTag()      {}
func (EndTZID) isTag()        {}
func (Geohash) isTag()        {}
func (Location) isTag()       {}
func (LabelNamespace) isTag() {}
func (Label) isTag()          {}
func (Hashtag) isTag()        {}
func (Reference) isTag()      {}

// WallClock formats t as a start/end tag value in its own zone.
func WallClock(t time.Time) string {
	return t.Format(wallClockLayout)
}

// ParseWallClock parses a start/end tag value in loc.
func ParseWallClock(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(wallClockLayout, value, loc)
}

// DecodeTag returns the typed form of a wire tag. ok is false for tags the
// client does not understand and for tags without a non-empty value.
func DecodeTag(t nostr.Tag) (tag Tag, ok bool) {
	if len(t) < 2 || t[1] == "" {
		return nil, false
	}
	v := t[1]
	switch t[0] {
	case "d":
		return Identifier(v), true
	case "title":
		return Title(v), true
	case "summary":
		return Summary(v), true
	case "image":
		img := ImageTag{URL: v}
		if len(t) > 2 {
			img.Dimensions = t[2]
		}
		return img, true
	case "start":
		return Start(v), true
	case "end":
		return End(v), true
	case "start_tzid":
		return StartTZID(v), true
	case "end_tzid":
		return EndTZID(v), true
	case "g":
		return Geohash(v), true
	case "location":
		return Location(v), true
	case "L":
		return LabelNamespace(v), true
	case "l":
		return Label(v), true
	case "t":
		return Hashtag(v), true
	case "r":
		return Reference(v), true
	default:
		return nil, false
	}
}

// EventTags returns the typed tags for ev in wire order.
func EventTags(ev CalendarEvent) []Tag {
	var tags []Tag
	add := func(value string, mk func(string) Tag) {
		if value != "" {
			tags = append(tags, mk(value))
		}
	}

	add(ev.UID, func(s string) Tag { return Identifier(s) })
	add(ev.Title, func(s string) Tag { return Title(s) })
	add(ev.Summary, func(s string) Tag { return Summary(s) })
	if ev.Image.URL != "" {
		tags = append(tags, ImageTag(ev.Image))
	}
	if !ev.Start.IsZero() {
		tags = append(tags, Start(WallClock(ev.Start)))
	}
	if !ev.End.IsZero() {
		tags = append(tags, End(WallClock(ev.End)))
	}
	if !ev.Start.IsZero() {
		add(zoneName(ev.StartTZ, ev.Start), func(s string) Tag { return StartTZID(s) })
	}
	if !ev.End.IsZero() {
		add(zoneName(ev.EndTZ, ev.End), func(s string) Tag { return EndTZID(s) })
	}
	add(ev.Geohash, func(s string) Tag { return Geohash(s) })
	add(ev.Location, func(s string) Tag { return Location(s) })
	add(ev.Label, func(s string) Tag { return LabelNamespace(s) })
	for _, l := range ev.Labels {
		add(strings.TrimSpace(l), func(s string) Tag { return Label(s) })
	}
	for _, h := range ev.Hashtags {
		add(strings.TrimSpace(h), func(s string) Tag { return Hashtag(s) })
	}
	for _, r := range ev.References {
		add(strings.TrimSpace(r), func(s string) Tag { return Reference(s) })
	}
	return tags
}

// BuildTags encodes ev into its wire tags. The output order is fixed so the
// same logical event always serializes identically.
func BuildTags(ev CalendarEvent) nostr.Tags {
	typed := EventTags(ev)
	tags := make(nostr.Tags, 0, len(typed))
	for _, t := range typed {
		tags = append(tags, t.Encode())
	}
	return tags
}

// zoneName returns the explicit zone name, or the name of t's location
// when it is a real IANA zone.
func zoneName(explicit string, t time.Time) string {
	if explicit != "" {
		return explicit
	}
	name := t.Location().String()
	if name == "Local" {
		return ""
	}
	return name
}

func applyTags(ev *CalendarEvent, tags nostr.Tags) error {
	var start Start
	var end End
	for _, raw := range tags {
		tag, ok := DecodeTag(raw)
		if !ok {
			continue
		}
		switch v := tag.(type) {
		case Identifier:
			ev.UID = string(v)
		case Title:
			ev.Title = string(v)
		case Summary:
			ev.Summary = string(v)
		case ImageTag:
			ev.Image = Image(v)
		case Start:
			start = v
		case End:
			end = v
		case StartTZID:
			ev.StartTZ = string(v)
		case EndTZID:
			ev.EndTZ = string(v)
		case Geohash:
			ev.Geohash = string(v)
		case Location:
			ev.Location = string(v)
		case LabelNamespace:
			ev.Label = string(v)
		case Label:
			ev.Labels = append(ev.Labels, string(v))
		case Hashtag:
			ev.Hashtags = append(ev.Hashtags, string(v))
		case Reference:
			ev.References = append(ev.References, string(v))
		}
	}

	var err error
	if start != "" {
		if ev.Start, err = parseInZone(string(start), ev.StartTZ); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if end != "" {
		endTZ := ev.EndTZ
		if endTZ == "" {
			endTZ = ev.StartTZ
		}
		if ev.End, err = parseInZone(string(end), endTZ); err != nil {
			return fmt.Errorf("end: %w", err)
		}
	}
	return nil
}

func parseInZone(value, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load zone %q: %w", tz, err)
		}
		loc = l
	}
	return ParseWallClock(value, loc)
}
