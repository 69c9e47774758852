// Package normalize converts raw per-platform payloads into canonical events.
// Every adapter is a pure function of the payload, the rate table, and the
// clock; concurrent callers share nothing mutable.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/you/streamsight/internal/core"
)

// ErrUnsupportedPlatform is returned for a platform tag outside the
// supported set. It fails that call only.
var ErrUnsupportedPlatform = errors.New("normalize: unsupported platform")

// MalformedEventError reports a payload missing a required discriminant.
// The caller decides between dropping and dead-lettering.
type MalformedEventError struct {
	Platform core.Platform
	Reason   string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("normalize: malformed %s event: %s", e.Platform, e.Reason)
}

func malformed(platform core.Platform, reason string) error {
	return &MalformedEventError{Platform: platform, Reason: reason}
}

// RateSource resolves a currency code to its KRW multiplier. Unknown
// currencies resolve to 1 (documented approximation, not a live FX feed).
type RateSource interface {
	Rate(currency string) float64
}

// StaticRates is a fixed in-memory rate table.
type StaticRates map[string]float64

func (r StaticRates) Rate(currency string) float64 {
	if v, ok := r[strings.ToUpper(strings.TrimSpace(currency))]; ok && v > 0 {
		return v
	}
	return 1
}

type Normalizer struct {
	rates RateSource
	now   func() time.Time
}

type Option func(*Normalizer)

// WithClock overrides the wall-clock fallback used when a payload carries no
// timestamp. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func New(rates RateSource, opts ...Option) *Normalizer {
	n := &Normalizer{rates: rates, now: time.Now}
	if n.rates == nil {
		n.rates = StaticRates{}
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize dispatches raw to the adapter for the given platform tag.
// A payload that already has canonical shape passes through unchanged, so
// replayed events normalize to themselves.
func (n *Normalizer) Normalize(platform string, raw []byte) (core.Event, error) {
	p, ok := core.ParsePlatform(strings.ToLower(strings.TrimSpace(platform)))
	if !ok {
		return core.Event{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
	}
	if len(raw) == 0 {
		return core.Event{}, malformed(p, "empty payload")
	}

	if ev, ok := n.passthrough(p, raw); ok {
		return ev, nil
	}

	switch p {
	case core.PlatformChzzk:
		return n.normalizeChzzk(raw)
	case core.PlatformSoop:
		return n.normalizeSoop(raw)
	case core.PlatformYouTube:
		return n.normalizeYouTube(raw)
	case core.PlatformTwitch:
		return n.normalizeTwitch(raw)
	}
	return core.Event{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, platform)
}

// passthrough detects an already-canonical payload: id, a known type, and a
// platform matching the dispatch tag.
func (n *Normalizer) passthrough(p core.Platform, raw []byte) (core.Event, bool) {
	var ev core.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return core.Event{}, false
	}
	if ev.ID == "" || ev.Platform != p {
		return core.Event{}, false
	}
	switch ev.Type {
	case core.EventChat, core.EventDonation, core.EventFollow, core.EventSubscribe:
	default:
		return core.Event{}, false
	}
	if ev.ChannelID == "" || ev.Sender.ExternalID == "" {
		return core.Event{}, false
	}
	return ev, true
}

// toKRW converts a source amount into a non-negative integer KRW figure.
func (n *Normalizer) toKRW(amount float64, currency string) int64 {
	if amount <= 0 {
		return 0
	}
	return int64(math.Round(amount * n.rates.Rate(currency)))
}

// composeID builds a deterministic event id for payloads with no native one.
func composeID(platform core.Platform, raw []byte) string {
	digest := sha256.Sum256(append([]byte(string(platform)+"\x1f"), raw...))
	return hex.EncodeToString(digest[:16])
}

// eventTime prefers the source timestamp (ms epoch) and falls back to the
// wall clock. Always UTC.
func (n *Normalizer) eventTime(epochMS int64) time.Time {
	if epochMS > 0 {
		return time.UnixMilli(epochMS).UTC()
	}
	return n.now().UTC()
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
