package signing

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tidemark-net/tidemark/types"
)

const defaultCacheSize = 8192

// EventVerifier checks event ids and signatures. Verification results are
// cached by event id, so an event republished through several connections is
// only verified once.
type EventVerifier struct {
	cache *lru.Cache[types.ID, bool]
}

type verifierOptions struct {
	cacheSize int
}

// VerifierOptionFunc modifies EventVerifier construction.
type VerifierOptionFunc func(*verifierOptions)

// WithVerifierCacheSize overrides the verification cache size.
func WithVerifierCacheSize(size int) VerifierOptionFunc {
	return func(opts *verifierOptions) {
		opts.cacheSize = size
	}
}

// NewEventVerifier creates an EventVerifier.
func NewEventVerifier(opts ...VerifierOptionFunc) (*EventVerifier, error) {
	cfg := &verifierOptions{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(cfg)
	}
	cache, err := lru.New[types.ID, bool](cfg.cacheSize)
	if err != nil {
		return nil, err
	}
	return &EventVerifier{cache: cache}, nil
}

// Verify reports whether the event's id matches its contents and its
// signature is a valid schnorr signature over the id by the event's author.
func (v *EventVerifier) Verify(e *types.Event) bool {
	if !e.CheckID() {
		return false
	}
	if ok, cached := v.cache.Get(e.ID); cached {
		return ok
	}
	valid := v.verifySig(e)
	v.cache.Add(e.ID, valid)
	return valid
}

func (v *EventVerifier) verifySig(e *types.Event) bool {
	pub, err := schnorr.ParsePubKey(e.PubKey[:])
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return false
	}
	return sig.Verify(e.ID[:], pub)
}
