package signer

import (
	"context"
	"errors"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const testSecret = "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a"

func signEvent(t *testing.T, s Signer) nostr.Event {
	t.Helper()
	ctx := context.Background()
	pub, err := s.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	ev := nostr.Event{
		PubKey:    pub,
		CreatedAt: 1700000000,
		Kind:      31923,
		Tags:      nostr.Tags{{"d", "uid-1"}, {"title", "Meetup"}},
		Content:   "desc",
	}
	ev.ID = ev.GetID()
	sig, err := s.Sign(ctx, ev.Serialize())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ev.Sig = sig
	return ev
}

func TestKeySignerProducesValidSignature(t *testing.T) {
	s, err := NewKeySigner(testSecret)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	ev := signEvent(t, s)

	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		t.Fatalf("signature rejected: ok=%v err=%v", ok, err)
	}

	want, err := nostr.GetPublicKey(testSecret)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	if ev.PubKey != want {
		t.Fatalf("public key = %s, want %s", ev.PubKey, want)
	}
}

func TestKeySignerAcceptsNsec(t *testing.T) {
	nsec, err := nip19.EncodePrivateKey(testSecret)
	if err != nil {
		t.Fatalf("encode nsec: %v", err)
	}
	fromNsec, err := NewKeySigner(nsec)
	if err != nil {
		t.Fatalf("new signer from nsec: %v", err)
	}
	fromHex, _ := NewKeySigner(testSecret)

	a, _ := fromNsec.PublicKey(context.Background())
	b, _ := fromHex.PublicKey(context.Background())
	if a != b {
		t.Fatalf("nsec and hex keys differ: %s vs %s", a, b)
	}
}

func TestNewKeySignerRejectsBadKeys(t *testing.T) {
	for _, secret := range []string{"", "zz", "abcd", "nsec1invalid"} {
		if _, err := NewKeySigner(secret); err == nil {
			t.Fatalf("expected error for %q", secret)
		}
	}
	if _, err := NewKeySigner(""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for empty secret, got %v", err)
	}
}

func TestKeySignerHonorsContext(t *testing.T) {
	s, _ := NewKeySigner(testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Sign(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	var s Signer = Unavailable{}
	if _, err := s.Sign(context.Background(), nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
