package normalize

import (
	"encoding/json"

	"github.com/you/streamsight/internal/core"
)

// CHZZK delivers one JSON object per chat-socket frame. msgTypeCode is the
// discriminant: 1 plain chat, 10 donation, and the connector synthesizes
// follow/subscribe notices with their own codes.
const (
	chzzkTypeChat      = 1
	chzzkTypeDonation  = 10
	chzzkTypeSubscribe = 11
	chzzkTypeFollow    = 12
)

const chzzkAnonNickname = "익명의 시청자"

type chzzkPayload struct {
	MsgTypeCode *int   `json:"msgTypeCode"`
	UID         string `json:"uid"`
	Msg         string `json:"msg"`
	MsgTime     int64  `json:"msgTime"`
	ChannelID   string `json:"channelId"`
	BroadcastID string `json:"liveId,omitempty"`
	Profile     struct {
		Nickname        string   `json:"nickname"`
		UserRoleCode    string   `json:"userRoleCode"`
		ProfileImageURL string   `json:"profileImageUrl"`
		Badges          []string `json:"activityBadgeIds"`
	} `json:"profile"`
	Extras struct {
		PayAmount    float64 `json:"payAmount"`
		Currency     string  `json:"currency"`
		DonationType string  `json:"donationType"`
	} `json:"extras"`
}

var chzzkRoles = map[string]core.Role{
	"streamer":                  core.RoleStreamer,
	"streaming_chat_manager":    core.RoleManager,
	"streaming_channel_manager": core.RoleManager,
	"common_user":               core.RoleRegular,
}

func (n *Normalizer) normalizeChzzk(raw []byte) (core.Event, error) {
	var p chzzkPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return core.Event{}, malformed(core.PlatformChzzk, "payload is not an object: "+err.Error())
	}
	if p.MsgTypeCode == nil {
		return core.Event{}, malformed(core.PlatformChzzk, "missing msgTypeCode")
	}
	if p.ChannelID == "" {
		return core.Event{}, malformed(core.PlatformChzzk, "missing channelId")
	}
	if p.UID == "" {
		return core.Event{}, malformed(core.PlatformChzzk, "missing uid")
	}

	var eventType core.EventType
	switch *p.MsgTypeCode {
	case chzzkTypeChat:
		eventType = core.EventChat
	case chzzkTypeDonation:
		eventType = core.EventDonation
	case chzzkTypeSubscribe:
		eventType = core.EventSubscribe
	case chzzkTypeFollow:
		eventType = core.EventFollow
	default:
		return core.Event{}, malformed(core.PlatformChzzk, "unknown msgTypeCode")
	}

	role := core.RoleRegular
	if r, ok := chzzkRoles[p.Profile.UserRoleCode]; ok {
		role = r
	}
	for _, b := range p.Profile.Badges {
		if b == "subscriber" && role == core.RoleRegular {
			role = core.RoleSubscriber
		}
	}

	ev := core.Event{
		ID:       composeID(core.PlatformChzzk, raw),
		Type:     eventType,
		Platform: core.PlatformChzzk,
		Sender: core.Sender{
			ExternalID:   p.UID,
			Nickname:     nonEmpty(p.Profile.Nickname, chzzkAnonNickname),
			ProfileImage: p.Profile.ProfileImageURL,
			Role:         role,
			Badges:       p.Profile.Badges,
		},
		Content: core.Content{
			Message: p.Msg,
		},
		Ts:          n.eventTime(p.MsgTime),
		ChannelID:   p.ChannelID,
		BroadcastID: p.BroadcastID,
		RawJSON:     string(raw),
	}

	if eventType == core.EventDonation {
		if p.Extras.PayAmount < 0 {
			return core.Event{}, malformed(core.PlatformChzzk, "negative payAmount")
		}
		currency := nonEmpty(p.Extras.Currency, "KRW")
		ev.Content.OriginalAmount = p.Extras.PayAmount
		ev.Content.Currency = currency
		ev.Content.AmountKRW = n.toKRW(p.Extras.PayAmount, currency)
		ev.Content.DonationType = nonEmpty(p.Extras.DonationType, "chat")
	}
	return ev, nil
}
