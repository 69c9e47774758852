package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/streamsight/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order represents the chronological order to use when listing events.
type Order string

const (
	// OrderDesc returns events newest first.
	OrderDesc Order = "desc"
	// OrderAsc returns events oldest first.
	OrderAsc Order = "asc"
)

// Filters captures the parsed query parameters for event lookups.
type Filters struct {
	Platforms   []string
	Types       []string
	ChannelID   string
	BroadcastID string
	Since       *time.Time
	Limit       int
	Order       Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	for _, raw := range values["platform"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if part == "all" || part == "*" {
				f.Platforms = nil
				break
			}
			if _, ok := core.ParsePlatform(part); !ok {
				return Filters{}, errors.New("invalid platform filter")
			}
			f.Platforms = appendUnique(f.Platforms, part)
		}
	}

	for _, raw := range values["type"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			switch core.EventType(part) {
			case core.EventChat, core.EventDonation, core.EventFollow, core.EventSubscribe:
				f.Types = appendUnique(f.Types, part)
			default:
				return Filters{}, errors.New("invalid type filter")
			}
		}
	}

	f.ChannelID = strings.TrimSpace(values.Get("channel"))
	f.BroadcastID = strings.TrimSpace(values.Get("broadcast"))

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the provided event satisfies the filters.
func (f Filters) Matches(ev core.Event) bool {
	if len(f.Platforms) > 0 && !contains(f.Platforms, string(ev.Platform)) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, string(ev.Type)) {
		return false
	}
	if f.ChannelID != "" && ev.ChannelID != f.ChannelID {
		return false
	}
	if f.BroadcastID != "" && ev.BroadcastID != f.BroadcastID {
		return false
	}
	if f.Since != nil && ev.Ts.Before(f.Since.UTC()) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// CloneForStream returns a copy of the filters adjusted for streaming
// transports.
func (f Filters) CloneForStream() Filters {
	f.Limit = 0
	return f
}
