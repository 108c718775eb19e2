// Package relay manages connections to relays and fans publications out
// across them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("relay connection closed")

// RejectedError is returned by Publish when the relay answers OK=false.
type RejectedError struct {
	Relay  string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relay %s rejected event", e.Relay)
	}
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Reason)
}

// Conn is a single relay connection.
type Conn interface {
	URL() string

	// Publish sends ev and waits for the relay's OK.
	Publish(ctx context.Context, ev nostr.Event) error

	// Subscribe streams events matching filters to fn until cancel is
	// called, ctx is done or the relay closes the subscription.
	Subscribe(ctx context.Context, filters nostr.Filters, fn func(*nostr.Event)) (cancel func(), err error)

	Connected() bool
	Close() error
}

// Dialer opens relay connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials relays over websocket.
type WSDialer struct {
	Logger *slog.Logger

	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration
}

// Dial connects to url and starts its read loop.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	c := &wsConn{
		url:          url,
		ws:           ws,
		logger:       logger.With("relay", url),
		writeTimeout: writeTimeout,
		pending:      make(map[string]chan okResult),
		subs:         make(map[string]*wsSub),
		done:         make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

type okResult struct {
	ok     bool
	reason string
}

type wsSub struct {
	fn   func(*nostr.Event)
	done chan struct{}
}

type wsConn struct {
	url          string
	ws           *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan okResult
	subs    map[string]*wsSub
	nextSub int64

	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (c *wsConn) URL() string { return c.url }

func (c *wsConn) Connected() bool { return c.connected.Load() }

func (c *wsConn) Publish(ctx context.Context, ev nostr.Event) error {
	wait := make(chan okResult, 1)
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[ev.ID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write(&nostr.EventEnvelope{Event: ev}); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	select {
	case res := <-wait:
		if !res.ok {
			return &RejectedError{Relay: c.url, Reason: res.reason}
		}
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("wait for ok: %w", ctx.Err())
	}
}

func (c *wsConn) Subscribe(ctx context.Context, filters nostr.Filters, fn func(*nostr.Event)) (func(), error) {
	sub := &wsSub{fn: fn, done: make(chan struct{})}

	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextSub++
	id := "cal-" + strconv.FormatInt(c.nextSub, 10)
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.write(&nostr.ReqEnvelope{SubscriptionID: id, Filters: filters}); err != nil {
		c.dropSub(id)
		return nil, fmt.Errorf("send req: %w", err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if c.dropSub(id) && c.connected.Load() {
				closeEnv := nostr.CloseEnvelope(id)
				if err := c.write(&closeEnv); err != nil {
					c.logger.Debug("failed to close subscription", "sub", id, "error", err)
				}
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		case <-c.done:
		}
	}()

	return cancel, nil
}

func (c *wsConn) Close() error {
	c.shutdown(ErrClosed)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) write(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) readLoop() {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("read message: %w", err))
			return
		}

		switch env := nostr.ParseMessage(string(message)).(type) {
		case *nostr.OKEnvelope:
			c.mu.Lock()
			wait, ok := c.pending[env.EventID]
			c.mu.Unlock()
			if ok {
				select {
				case wait <- okResult{ok: env.OK, reason: env.Reason}:
				default:
				}
			}
		case *nostr.EventEnvelope:
			if env.SubscriptionID == nil {
				continue
			}
			c.mu.Lock()
			sub, ok := c.subs[*env.SubscriptionID]
			c.mu.Unlock()
			if ok {
				ev := env.Event
				sub.fn(&ev)
			}
		case *nostr.EOSEEnvelope:
			c.logger.Debug("end of stored events", "sub", string(*env))
		case *nostr.ClosedEnvelope:
			c.logger.Warn("relay closed subscription", "sub", env.SubscriptionID, "reason", env.Reason)
			c.dropSub(env.SubscriptionID)
		case *nostr.NoticeEnvelope:
			c.logger.Info("relay notice", "notice", string(*env))
		case nil:
			c.logger.Debug("unparseable relay message", "size", len(message))
		}
	}
}

// dropSub removes a subscription and reports whether it was still active.
func (c *wsConn) dropSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
		close(sub.done)
	}
	return ok
}

func (c *wsConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected.Store(false)
		c.err = err
		for id, sub := range c.subs {
			delete(c.subs, id)
			close(sub.done)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}
