// Package signing provides event signing and verification over the secp256k1
// schnorr scheme the protocol mandates.
package signing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/tidemark-net/tidemark/types"
)

// PrivateKeySize is the size of a secp256k1 private key in bytes.
const PrivateKeySize = 32

// EventSigner signs events with a fixed identity. The relay uses one for any
// events it originates itself.
type EventSigner struct {
	priv *btcec.PrivateKey
	pub  types.PubKey
}

type signerOptions struct {
	priv []byte
	rng  io.Reader
}

// SignerOptionFunc modifies EventSigner construction.
type SignerOptionFunc func(*signerOptions) error

// WithPrivateKey creates the signer from an existing 32-byte private key.
func WithPrivateKey(priv []byte) SignerOptionFunc {
	return func(opts *signerOptions) error {
		if len(priv) != PrivateKeySize {
			return fmt.Errorf("invalid private key length %d", len(priv))
		}
		opts.priv = priv
		return nil
	}
}

// WithPrivateKeyHex creates the signer from a hex-encoded private key.
func WithPrivateKeyHex(s string) SignerOptionFunc {
	return func(opts *signerOptions) error {
		priv, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode private key: %w", err)
		}
		if len(priv) != PrivateKeySize {
			return fmt.Errorf("invalid private key length %d", len(priv))
		}
		opts.priv = priv
		return nil
	}
}

// NewEventSigner creates an EventSigner, generating a fresh key unless one is
// supplied via options.
func NewEventSigner(opts ...SignerOptionFunc) (*EventSigner, error) {
	cfg := &signerOptions{rng: rand.Reader}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	var priv *btcec.PrivateKey
	if cfg.priv != nil {
		priv, _ = btcec.PrivKeyFromBytes(cfg.priv)
		if priv.Key.IsZero() {
			return nil, errors.New("invalid private key")
		}
	} else {
		var err error
		priv, err = btcec.NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate private key: %w", err)
		}
	}
	var pub types.PubKey
	copy(pub[:], schnorr.SerializePubKey(priv.PubKey()))
	return &EventSigner{priv: priv, pub: pub}, nil
}

// PublicKey returns the signer's x-only public key.
func (s *EventSigner) PublicKey() types.PubKey {
	return s.pub
}

// Sign fills in the event's pubkey, id and signature. CreatedAt, Kind, Tags
// and Content must already be set.
func (s *EventSigner) Sign(e *types.Event) error {
	e.PubKey = s.pub
	e.ID = e.ComputeID()
	sig, err := schnorr.Sign(s.priv, e.ID[:])
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	copy(e.Sig[:], sig.Serialize())
	return nil
}
