package core

import "time"

// Platform identifies the source streaming service of a raw payload.
type Platform string

const (
	PlatformChzzk   Platform = "chzzk"
	PlatformSoop    Platform = "soop"
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
)

// ParsePlatform maps a wire tag onto a known platform. The boolean is false
// for anything outside the supported set.
func ParsePlatform(raw string) (Platform, bool) {
	switch Platform(raw) {
	case PlatformChzzk, PlatformSoop, PlatformYouTube, PlatformTwitch:
		return Platform(raw), true
	}
	return "", false
}

// EventType classifies a canonical event.
type EventType string

const (
	EventChat      EventType = "chat"
	EventDonation  EventType = "donation"
	EventFollow    EventType = "follow"
	EventSubscribe EventType = "subscribe"
)

// Role is the shared viewer-role enum every platform's badge/grade system
// maps onto.
type Role string

const (
	RoleStreamer   Role = "streamer"
	RoleManager    Role = "manager"
	RoleVIP        Role = "vip"
	RoleVVIP       Role = "vvip"
	RoleFan        Role = "fan"
	RoleSubscriber Role = "subscriber"
	RoleRegular    Role = "regular"
)

// Sender is the identity block of an event as the source platform reported it.
type Sender struct {
	ExternalID   string   `json:"externalId"`
	Nickname     string   `json:"nickname"`
	ProfileImage string   `json:"profileImage,omitempty"`
	Role         Role     `json:"role"`
	Badges       []string `json:"badges,omitempty"`
}

// Content carries the event body. AmountKRW is computed once by the
// normalizer and never changed afterwards.
type Content struct {
	Message        string  `json:"message,omitempty"`
	AmountKRW      int64   `json:"amountKrw,omitempty"`
	OriginalAmount float64 `json:"originalAmount,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	DonationType   string  `json:"donationType,omitempty"`
}

// Event is the unified structure written to SQLite and pushed to consumers.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Platform    Platform  `json:"platform"`
	Sender      Sender    `json:"sender"`
	Content     Content   `json:"content"`
	Ts          time.Time `json:"timestampUtc"` // always UTC
	ChannelID   string    `json:"channelId"`
	BroadcastID string    `json:"broadcastId,omitempty"` // empty when the connector cannot attribute one
	RawJSON     string    `json:"rawPayload,omitempty"`  // raw source payload for debugging/audit
}

// CatalogEntry is a canonical game/category record multiple platform strings
// map onto. Unverified entries come from unmatched free-text names.
type CatalogEntry struct {
	ID        string    `json:"id"`
	NameEn    string    `json:"canonicalNameEn"`
	NameLocal string    `json:"canonicalNameLocal"`
	Genre     string    `json:"genre,omitempty"`
	Developer string    `json:"developer,omitempty"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"createdAt"`
}

// CategoryMapping links one platform category to a catalog entry.
// (Platform, PlatformCategoryID) is the upsert key.
type CategoryMapping struct {
	Platform           Platform  `json:"platform"`
	PlatformCategoryID string    `json:"platformCategoryId"`
	PlatformName       string    `json:"platformName,omitempty"`
	CatalogEntryID     string    `json:"catalogEntryId"`
	Confidence         float64   `json:"confidence"`
	IsManual           bool      `json:"isManual"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ViewerSession is one viewer-presence interval. At most one open session
// (EndedAt nil) exists per (Platform, ChannelID, ExternalUserID).
type ViewerSession struct {
	ID              string
	Platform        Platform
	ChannelID       string
	BroadcastID     string
	ExternalUserID  string
	PersonID        string
	Nickname        string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
	CategoryID      string
}

// Estimate is a computed viewer figure; it is never persisted.
type Estimate struct {
	ConfirmedActiveViewers   int     `json:"confirmedActiveViewers"`
	EstimatedTotalViewers    float64 `json:"estimatedTotalViewers"`
	AverageConcurrentViewers float64 `json:"averageConcurrentViewers"`
	ConfidenceBand           string  `json:"confidenceBand"`
	EstimationMethod         string  `json:"estimationMethod"`
}
