// Package signer produces event signatures on behalf of the user.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrDeclined is returned when the signer refuses to sign.
var ErrDeclined = errors.New("signature declined")

// ErrUnavailable is returned when no signing key is present.
var ErrUnavailable = errors.New("signer unavailable")

// Signer signs canonical event serializations. Implementations must not
// retain the input.
type Signer interface {
	// PublicKey returns the hex x-only public key of the signing identity.
	PublicKey(ctx context.Context) (string, error)

	// Sign returns the hex BIP-340 signature over sha256(canonical).
	Sign(ctx context.Context, canonical []byte) (string, error)
}

// KeySigner signs with a local secret key.
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubKey string
}

// NewKeySigner parses a secret key given as 64 hex characters or as an
// nsec bech32 string.
func NewKeySigner(secret string) (*KeySigner, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrUnavailable
	}

	if strings.HasPrefix(secret, "nsec") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("decode nsec: %w", err)
		}
		s, ok := value.(string)
		if prefix != "nsec" || !ok {
			return nil, fmt.Errorf("decode nsec: unexpected %s payload", prefix)
		}
		secret = s
	}

	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}

	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &KeySigner{
		priv:   priv,
		pubKey: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// PublicKey implements Signer.
func (s *KeySigner) PublicKey(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.pubKey, nil
}

// Sign implements Signer.
func (s *KeySigner) Sign(ctx context.Context, canonical []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonical)
	sig, err := schnorr.Sign(s.priv, hash[:])
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Unavailable is a Signer for sessions without a key. Every call fails
// with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) PublicKey(context.Context) (string, error)    { return "", ErrUnavailable }
func (Unavailable) Sign(context.Context, []byte) (string, error) { return "", ErrUnavailable }
