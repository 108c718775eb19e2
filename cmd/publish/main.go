package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
	"github.com/blackmichael/nostr-calendar/internal/config"
	"github.com/blackmichael/nostr-calendar/internal/domain"
	"github.com/blackmichael/nostr-calendar/internal/ical"
	"github.com/blackmichael/nostr-calendar/internal/publish"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/session"
	"github.com/blackmichael/nostr-calendar/internal/signer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var (
		d        domain.Draft
		secret   string
		relays   string
		icsPath  string
		verbose  bool
		timezone string
	)

	flag.StringVar(&secret, "key", cfg.SecretKey, "Signing key, hex or nsec (or set CALENDAR_SECRET_KEY)")
	flag.StringVar(&relays, "relays", strings.Join(cfg.Relays, ","), "Comma separated relay urls (or set CALENDAR_RELAYS)")
	flag.StringVar(&icsPath, "ics", "", "Publish every event of an iCalendar file instead of the flags below (- for stdin)")
	flag.BoolVar(&verbose, "v", false, "Log relay traffic to stderr")
	flag.StringVar(&timezone, "tz", cfg.Timezone, "Default IANA timezone")

	flag.StringVar(&d.UID, "uid", "", "Identifier of an existing event to replace")
	flag.StringVar(&d.Title, "title", "", "Event title")
	flag.StringVar(&d.Content, "content", "", "Event description")
	flag.StringVar(&d.Summary, "summary", "", "Short summary")
	flag.StringVar(&d.Image, "image", "", "Image url")
	flag.StringVar(&d.ImageDimensions, "image-dim", "", "Image dimensions, WxH")
	flag.StringVar(&d.StartDate, "start-date", "", "Start date, YYYY-MM-DD")
	flag.StringVar(&d.StartTime, "start-time", "", "Start time, HH:MM")
	flag.StringVar(&d.EndDate, "end-date", "", "End date, YYYY-MM-DD")
	flag.StringVar(&d.EndTime, "end-time", "", "End time, HH:MM")
	flag.StringVar(&d.Timezone, "timezone", "", "Event timezone (defaults to -tz)")
	flag.StringVar(&d.Geohash, "geohash", "", "Geohash of the venue")
	flag.StringVar(&d.Location, "location", "", "Venue name or address")
	flag.StringVar(&d.Label, "label", "", "Label namespace")
	flag.StringVar(&d.DescriptiveLabels, "labels", "", "Comma separated labels")
	flag.StringVar(&d.Hashtags, "hashtags", "", "Comma separated hashtags")
	flag.StringVar(&d.ReferenceLinks, "refs", "", "Comma separated reference links")
	flag.Parse()

	if secret == "" {
		return fmt.Errorf("--key is required (or set CALENDAR_SECRET_KEY)")
	}
	key, err := signer.NewKeySigner(secret)
	if err != nil {
		return err
	}

	drafts := []domain.Draft{d}
	if icsPath != "" {
		if drafts, err = readCalendar(icsPath); err != nil {
			return err
		}
		if len(drafts) == 0 {
			return fmt.Errorf("%s contains no events", icsPath)
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	tz := cfg.Location()
	if timezone != cfg.Timezone {
		var lerr error
		if tz, lerr = loadZone(timezone); lerr != nil {
			return lerr
		}
	}

	fmt.Printf("Connecting to %s...\n", relays)
	sess, err := session.Open(ctx, session.Options{
		Relays:         strings.Split(relays, ","),
		Timezone:       tz,
		ConnectTimeout: cfg.ConnectTimeout,
		PublishTimeout: cfg.PublishTimeout,
	}, session.Deps{
		Logger: logger,
		Dialer: &relay.WSDialer{Logger: logger},
		Signer: key,
	})
	if err != nil {
		return err
	}
	defer sess.Close()
	fmt.Printf("Connected to %d of %d relays as %s\n", sess.Relays.ConnectedCount(), len(sess.Relays.URLs()), sess.User().PubKey)

	var failed int
	for _, draft := range drafts {
		res, err := sess.Pipeline.Submit(ctx, draft)
		if err != nil {
			failed++
			printFailure(draft, err)
			sess.Pipeline.Reset()
			continue
		}
		printResult(res)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events were not published", failed, len(drafts))
	}
	return nil
}

func readCalendar(path string) ([]domain.Draft, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open calendar: %w", err)
		}
		defer f.Close()
		r = f
	}
	return ical.Import(r)
}

func loadZone(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

func printResult(res *publish.Result) {
	ev := res.Event
	fmt.Printf("Published %q (%s)\n", ev.Title, ev.ID)
	for _, r := range res.Accepted {
		fmt.Printf("  ok      %s\n", r)
	}
	for _, f := range res.Failed {
		fmt.Printf("  failed  %s: %s\n", f.Relay, f.Error.Message)
	}
	fmt.Printf("Address: %s\n", address(ev, res.Accepted))
}

func printFailure(d domain.Draft, err error) {
	rec := apperr.Handle(err)
	fmt.Printf("Failed to publish %q: [%s] %s\n", d.Title, rec.Code, rec.Message)
	for k, v := range rec.Details {
		fmt.Printf("  %s: %v\n", k, v)
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		fmt.Printf("  cause: %v\n", err)
	}
}

// address returns the naddr of a replaceable event, or the raw
// kind:pubkey:uid coordinate when it cannot be encoded.
func address(ev domain.CalendarEvent, relays []string) string {
	naddr, err := nip19.EncodeEntity(ev.PubKey, domain.KindCalendarEvent, ev.UID, relays)
	if err != nil {
		return fmt.Sprintf("%d:%s:%s", domain.KindCalendarEvent, ev.PubKey, ev.UID)
	}
	return naddr
}
