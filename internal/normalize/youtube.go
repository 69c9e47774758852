package normalize

import (
	"encoding/json"
	"time"

	"github.com/you/streamsight/internal/core"
)

// YouTube live chat items use snippet.type strings; super chats carry the
// amount in micros of the stated currency.
const (
	ytEventText       = "textMessageEvent"
	ytEventSuperChat  = "superChatEvent"
	ytEventSuperStick = "superStickerEvent"
	ytEventSponsor    = "newSponsorEvent"
)

const ytAnonNickname = "Anonymous Viewer"

type youtubePayload struct {
	ID      string `json:"id"`
	Snippet struct {
		Type          string    `json:"type"`
		LiveChatID    string    `json:"liveChatId"`
		BroadcastID   string    `json:"liveBroadcastId"`
		PublishedAt   time.Time `json:"publishedAt"`
		DisplayMessage string   `json:"displayMessage"`
		SuperChat     struct {
			AmountMicros int64  `json:"amountMicros"`
			Currency     string `json:"currency"`
			Tier         int    `json:"tier"`
		} `json:"superChatDetails"`
	} `json:"snippet"`
	Author struct {
		ChannelID       string `json:"channelId"`
		DisplayName     string `json:"displayName"`
		ProfileImageURL string `json:"profileImageUrl"`
		IsChatOwner     bool   `json:"isChatOwner"`
		IsChatModerator bool   `json:"isChatModerator"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
	} `json:"authorDetails"`
}

func (n *Normalizer) normalizeYouTube(raw []byte) (core.Event, error) {
	var p youtubePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return core.Event{}, malformed(core.PlatformYouTube, "payload is not an object: "+err.Error())
	}
	if p.Snippet.Type == "" {
		return core.Event{}, malformed(core.PlatformYouTube, "missing snippet.type")
	}
	if p.Snippet.LiveChatID == "" {
		return core.Event{}, malformed(core.PlatformYouTube, "missing snippet.liveChatId")
	}
	if p.Author.ChannelID == "" {
		return core.Event{}, malformed(core.PlatformYouTube, "missing authorDetails.channelId")
	}

	var eventType core.EventType
	switch p.Snippet.Type {
	case ytEventText:
		eventType = core.EventChat
	case ytEventSuperChat, ytEventSuperStick:
		eventType = core.EventDonation
	case ytEventSponsor:
		eventType = core.EventSubscribe
	default:
		return core.Event{}, malformed(core.PlatformYouTube, "unknown snippet.type "+p.Snippet.Type)
	}

	role := core.RoleRegular
	var badges []string
	switch {
	case p.Author.IsChatOwner:
		role = core.RoleStreamer
	case p.Author.IsChatModerator:
		role = core.RoleManager
	case p.Author.IsChatSponsor:
		role = core.RoleSubscriber
	}
	if p.Author.IsChatModerator {
		badges = append(badges, "moderator")
	}
	if p.Author.IsChatSponsor {
		badges = append(badges, "member")
	}

	id := p.ID
	if id == "" {
		id = composeID(core.PlatformYouTube, raw)
	}

	var ts time.Time
	if !p.Snippet.PublishedAt.IsZero() {
		ts = p.Snippet.PublishedAt.UTC()
	} else {
		ts = n.now().UTC()
	}

	ev := core.Event{
		ID:       id,
		Type:     eventType,
		Platform: core.PlatformYouTube,
		Sender: core.Sender{
			ExternalID:   p.Author.ChannelID,
			Nickname:     nonEmpty(p.Author.DisplayName, ytAnonNickname),
			ProfileImage: p.Author.ProfileImageURL,
			Role:         role,
			Badges:       badges,
		},
		Content: core.Content{
			Message: p.Snippet.DisplayMessage,
		},
		Ts:          ts,
		ChannelID:   p.Snippet.LiveChatID,
		BroadcastID: p.Snippet.BroadcastID,
		RawJSON:     string(raw),
	}

	if eventType == core.EventDonation {
		if p.Snippet.SuperChat.AmountMicros < 0 {
			return core.Event{}, malformed(core.PlatformYouTube, "negative amountMicros")
		}
		amount := float64(p.Snippet.SuperChat.AmountMicros) / 1e6
		currency := nonEmpty(p.Snippet.SuperChat.Currency, "USD")
		ev.Content.OriginalAmount = amount
		ev.Content.Currency = currency
		ev.Content.AmountKRW = n.toKRW(amount, currency)
		ev.Content.DonationType = "superchat"
		if p.Snippet.Type == ytEventSuperStick {
			ev.Content.DonationType = "supersticker"
		}
	}
	return ev, nil
}
