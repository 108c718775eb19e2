// Package nip05 resolves and verifies name@domain identifiers advertised in
// author profiles.
package nip05

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gonip05 "github.com/nbd-wtf/go-nostr/nip05"
)

// ErrNotFound is returned when the domain does not list the name.
var ErrNotFound = errors.New("nip05 name not found")

// fetchFunc returns the well-known document for identifier together with
// the name part the document is keyed by.
type fetchFunc func(ctx context.Context, identifier string) (gonip05.WellKnownResponse, string, error)

// Client queries /.well-known/nostr.json documents. By default lookups go
// through go-nostr's nip05.Fetch; a custom HTTP client or base URL switches
// to a request built here.
type Client struct {
	httpClient *http.Client

	// baseURL overrides https://<domain> when set.
	baseURL string

	fetch fetchFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL sends every lookup to baseURL instead of the identifier's
// domain.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// NewClient creates a client. Requests built here time out after 10
// seconds unless WithHTTPClient says otherwise.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil && c.baseURL == "" {
		c.fetch = gonip05.Fetch
		return c
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.fetch = c.get
	return c
}

// Resolution is the outcome of a successful lookup.
type Resolution struct {
	PubKey string   `json:"pubkey"`
	Relays []string `json:"relays,omitempty"`
}

// Resolve looks up identifier and returns the public key it maps to. A bare
// domain is treated as _@domain.
func (c *Client) Resolve(ctx context.Context, identifier string) (*Resolution, error) {
	identifier = strings.TrimSpace(identifier)
	_, domain, err := gonip05.ParseIdentifier(identifier)
	if err != nil {
		return nil, fmt.Errorf("parse identifier: %w", err)
	}

	doc, name, err := c.fetch(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", domain, err)
	}

	pubkey, ok := doc.Names[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &Resolution{PubKey: pubkey, Relays: doc.Relays[pubkey]}, nil
}

// Verify reports whether identifier resolves to pubkey.
func (c *Client) Verify(ctx context.Context, identifier, pubkey string) (bool, error) {
	res, err := c.Resolve(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.EqualFold(res.PubKey, pubkey), nil
}

// get fetches the document with c.httpClient from baseURL or the
// identifier's domain.
func (c *Client) get(ctx context.Context, identifier string) (gonip05.WellKnownResponse, string, error) {
	var doc gonip05.WellKnownResponse
	name, domain, err := gonip05.ParseIdentifier(identifier)
	if err != nil {
		return doc, "", err
	}

	base := c.baseURL
	if base == "" {
		base = "https://" + domain
	}
	endpoint := base + "/.well-known/nostr.json?name=" + url.QueryEscape(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return doc, name, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return doc, name, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return doc, name, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return doc, name, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return doc, name, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, name, fmt.Errorf("unmarshal response: %w", err)
	}
	return doc, name, nil
}
