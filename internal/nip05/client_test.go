package nip05

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gonip05 "github.com/nbd-wtf/go-nostr/nip05"
)

const alicePub = "b0635d6a9851d3aed0cd6c495b282167acf761729078d975fc341b22650b07b9"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/nostr.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("name") {
		case "alice", "_":
			w.Write([]byte(`{"names":{"alice":"` + alicePub + `","_":"` + alicePub + `"},"relays":{"` + alicePub + `":["wss://relay.example"]}}`))
		case "broken":
			w.Write([]byte(`{"names":`))
		default:
			w.Write([]byte(`{"names":{}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	c := NewClient(WithBaseURL(newServer(t).URL))

	res, err := c.Resolve(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.PubKey != alicePub {
		t.Fatalf("pubkey = %s", res.PubKey)
	}
	if len(res.Relays) != 1 || res.Relays[0] != "wss://relay.example" {
		t.Fatalf("relays = %v", res.Relays)
	}

	res, err = c.Resolve(context.Background(), "example.com")
	if err != nil || res.PubKey != alicePub {
		t.Fatalf("bare domain: %v, %v", res, err)
	}
}

func TestResolveErrors(t *testing.T) {
	c := NewClient(WithBaseURL(newServer(t).URL))

	if _, err := c.Resolve(context.Background(), "bob@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Resolve(context.Background(), "broken@example.com"); err == nil {
		t.Fatal("expected error for malformed document")
	}
	if _, err := c.Resolve(context.Background(), "not an identifier"); err == nil {
		t.Fatal("expected error for malformed identifier")
	}
}

func TestVerify(t *testing.T) {
	c := NewClient(WithBaseURL(newServer(t).URL))
	ctx := context.Background()

	ok, err := c.Verify(ctx, "alice@example.com", alicePub)
	if err != nil || !ok {
		t.Fatalf("expected verified, got %v, %v", ok, err)
	}
	ok, err = c.Verify(ctx, "alice@example.com", "ff")
	if err != nil || ok {
		t.Fatalf("expected mismatch, got %v, %v", ok, err)
	}
	ok, err = c.Verify(ctx, "bob@example.com", alicePub)
	if err != nil || ok {
		t.Fatalf("expected unknown name to be unverified, got %v, %v", ok, err)
	}
}

func TestResolveUsesFetchedName(t *testing.T) {
	var asked string
	c := &Client{fetch: func(_ context.Context, identifier string) (gonip05.WellKnownResponse, string, error) {
		asked = identifier
		return gonip05.WellKnownResponse{
			Names:  map[string]string{"_": alicePub},
			Relays: map[string][]string{alicePub: {"wss://relay.example"}},
		}, "_", nil
	}}

	res, err := c.Resolve(context.Background(), " example.com ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if asked != "example.com" || res.PubKey != alicePub || len(res.Relays) != 1 {
		t.Fatalf("unexpected resolution %+v for %q", res, asked)
	}
}

func TestNewClientDefaultsToLibraryFetch(t *testing.T) {
	if NewClient().httpClient != nil {
		t.Fatal("default client should not build its own requests")
	}
	if NewClient(WithBaseURL("http://localhost")).httpClient == nil {
		t.Fatal("base url override needs an http client")
	}
}
