package policy

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tidemark-net/tidemark/types"
)

// Config holds the ingestion policy tunables. Zero values disable the
// corresponding check.
type Config struct {
	MaxContentLength int `mapstructure:"max-content-length"`
	MaxTags          int `mapstructure:"max-tags"`

	// MaxPastDrift and MaxFutureDrift bound how far an event's created_at
	// may lie from the relay's clock.
	MaxPastDrift   time.Duration `mapstructure:"max-past-drift"`
	MaxFutureDrift time.Duration `mapstructure:"max-future-drift"`

	EventsPerSecond float64 `mapstructure:"events-per-second"`
	EventBurst      int     `mapstructure:"event-burst"`

	AllowedKinds []int `mapstructure:"allowed-kinds"`
	DeniedKinds  []int `mapstructure:"denied-kinds"`

	// Author lists are 64-character hex public keys.
	DeniedAuthors   []string `mapstructure:"denied-authors"`
	ShadowedAuthors []string `mapstructure:"shadowed-authors"`
	ShadowedKinds   []int    `mapstructure:"shadowed-kinds"`
}

// DefaultConfig returns the policy defaults: signature verification plus
// moderate flood protection, no moderation lists.
func DefaultConfig() Config {
	return Config{
		MaxContentLength: 128 << 10,
		MaxTags:          2000,
		MaxFutureDrift:   15 * time.Minute,
		EventsPerSecond:  25,
		EventBurst:       100,
	}
}

// Build assembles the check pipeline from the configuration. The signature
// check always runs first; the rate limiter is returned separately so the
// server can release per-connection buckets on disconnect (nil when rate
// limiting is disabled).
func (cfg Config) Build(clock clockwork.Clock, verifier Verifier) (Check, *RateLimit, error) {
	checks := []Check{Signature(verifier)}
	if cfg.MaxPastDrift > 0 || cfg.MaxFutureDrift > 0 {
		checks = append(checks, CreatedAtBounds(clock, cfg.MaxPastDrift, cfg.MaxFutureDrift))
	}
	if cfg.MaxContentLength > 0 {
		checks = append(checks, MaxContentLength(cfg.MaxContentLength))
	}
	if cfg.MaxTags > 0 {
		checks = append(checks, MaxTagCount(cfg.MaxTags))
	}
	if len(cfg.AllowedKinds) > 0 {
		checks = append(checks, KindAllowlist(cfg.AllowedKinds))
	}
	if len(cfg.DeniedKinds) > 0 {
		checks = append(checks, KindDenylist(cfg.DeniedKinds))
	}
	denied, err := parseAuthors(cfg.DeniedAuthors)
	if err != nil {
		return nil, nil, fmt.Errorf("denied-authors: %w", err)
	}
	if len(denied) > 0 {
		checks = append(checks, AuthorDenylist(denied))
	}
	shadowed, err := parseAuthors(cfg.ShadowedAuthors)
	if err != nil {
		return nil, nil, fmt.Errorf("shadowed-authors: %w", err)
	}
	if len(shadowed) > 0 {
		checks = append(checks, ShadowAuthors(shadowed))
	}
	if len(cfg.ShadowedKinds) > 0 {
		checks = append(checks, ShadowKinds(cfg.ShadowedKinds))
	}
	var limiter *RateLimit
	if cfg.EventsPerSecond > 0 {
		limiter = NewRateLimit(cfg.EventsPerSecond, cfg.EventBurst)
		checks = append(checks, limiter)
	}
	return All(checks...), limiter, nil
}

func parseAuthors(hexKeys []string) ([]types.PubKey, error) {
	keys := make([]types.PubKey, 0, len(hexKeys))
	for _, s := range hexKeys {
		pk, err := types.PubKeyFromHex(s)
		if err != nil {
			return nil, fmt.Errorf("bad public key %q: %w", s, err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}
