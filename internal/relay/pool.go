package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/nostr-calendar/internal/apperr"
)

// ErrNotConnected is reported for relays that are not connected when an
// event is published.
var ErrNotConnected = errors.New("relay not connected")

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 15 * time.Second
)

// Options configures a Pool.
type Options struct {
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is the outcome of publishing one event to one relay.
type Result struct {
	Relay string
	Err   error
}

// OK reports whether the relay accepted the event.
func (r Result) OK() bool { return r.Err == nil }

// RelayState is a snapshot of one relay's connection.
type RelayState struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	LastError string `json:"lastError,omitempty"`
}

type member struct {
	url     string
	conn    Conn
	lastErr error
}

// Pool holds the configured relays. Relays that failed to connect stay in
// the pool so their state can be reported; they are never redialed.
type Pool struct {
	logger *slog.Logger
	opts   Options

	mu      sync.Mutex
	members []*member
	closed  bool
}

// Connect dials every url concurrently. It succeeds when at least one relay
// connects; otherwise it returns a connection error with the failure of
// each relay in its details.
func Connect(ctx context.Context, dialer Dialer, urls []string, opts Options) (*Pool, error) {
	opts = opts.withDefaults()
	urls = normalizeURLs(urls)
	if len(urls) == 0 {
		return nil, apperr.New(apperr.CodeConnection, "no relays configured")
	}

	members := make([]*member, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		m := &member{url: url}
		members[i] = m
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()

			conn, err := dialer.Dial(dialCtx, url)
			if err != nil {
				m.lastErr = err
				opts.Logger.Warn("failed to connect to relay", "relay", url, "error", err)
				return nil
			}
			m.conn = conn
			opts.Logger.Info("connected to relay", "relay", url)
			return nil
		})
	}
	_ = g.Wait()

	details := make(map[string]any)
	for _, m := range members {
		if m.conn != nil {
			return &Pool{logger: opts.Logger, opts: opts, members: members}, nil
		}
		details[m.url] = m.lastErr.Error()
	}
	return nil, apperr.WithDetails(apperr.CodeConnection, "no relay could be reached", details)
}

func normalizeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (p *Pool) snapshot() []*member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*member, len(p.members))
	copy(out, p.members)
	return out
}

func (p *Pool) conn(m *member) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || m.conn == nil || !m.conn.Connected() {
		return nil
	}
	return m.conn
}

func (p *Pool) setErr(m *member, err error) {
	p.mu.Lock()
	m.lastErr = err
	p.mu.Unlock()
}

// URLs returns the configured relay urls in order.
func (p *Pool) URLs() []string {
	members := p.snapshot()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.url
	}
	return out
}

// ConnectedCount returns how many relays are currently connected.
func (p *Pool) ConnectedCount() int {
	n := 0
	for _, m := range p.snapshot() {
		if p.conn(m) != nil {
			n++
		}
	}
	return n
}

// Publish sends ev to every connected relay concurrently and waits for all
// of them. There is one Result per configured relay, in pool order;
// disconnected relays report ErrNotConnected without being contacted.
func (p *Pool) Publish(ctx context.Context, ev nostr.Event) []Result {
	members := p.snapshot()
	results := make([]Result, len(members))

	var g errgroup.Group
	for i, m := range members {
		results[i].Relay = m.url
		conn := p.conn(m)
		if conn == nil {
			results[i].Err = ErrNotConnected
			continue
		}
		g.Go(func() error {
			pubCtx, cancel := context.WithTimeout(ctx, p.opts.PublishTimeout)
			defer cancel()

			start := time.Now()
			err := conn.Publish(pubCtx, ev)
			results[i].Err = err
			if err != nil {
				p.setErr(m, err)
				p.logger.Warn("relay did not accept event", "relay", m.url, "id", ev.ID, "error", err)
				return nil
			}
			p.logger.Debug("relay accepted event", "relay", m.url, "id", ev.ID, "duration", time.Since(start))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Subscribe opens the same subscription on every connected relay. fn is
// called with the relay url and may be invoked from several goroutines.
// It fails only when no relay accepted the subscription.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters, fn func(relay string, ev *nostr.Event)) (func(), error) {
	var cancels []func()
	var errs []error
	for _, m := range p.snapshot() {
		conn := p.conn(m)
		if conn == nil {
			continue
		}
		url := m.url
		cancel, err := conn.Subscribe(ctx, filters, func(ev *nostr.Event) { fn(url, ev) })
		if err != nil {
			p.setErr(m, err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		cancels = append(cancels, cancel)
	}
	if len(cancels) == 0 {
		if len(errs) == 0 {
			errs = append(errs, ErrNotConnected)
		}
		return nil, apperr.Wrap(apperr.CodeConnection, "no relay accepted the subscription", errors.Join(errs...))
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}, nil
}

// States reports each relay's connection state in pool order.
func (p *Pool) States() []RelayState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RelayState, len(p.members))
	for i, m := range p.members {
		out[i] = RelayState{
			URL:       m.url,
			Connected: !p.closed && m.conn != nil && m.conn.Connected(),
		}
		if m.lastErr != nil {
			out[i].LastError = m.lastErr.Error()
		}
	}
	return out
}

// Close closes every relay connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	members := p.members
	p.mu.Unlock()

	var errs []error
	for _, m := range members {
		if m.conn == nil {
			continue
		}
		if err := m.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.url, err))
		}
	}
	return errors.Join(errs...)
}
