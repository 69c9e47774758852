package normalize

import (
	"encoding/json"

	"github.com/you/streamsight/internal/core"
)

// SOOP frames carry a service-code string. Balloons are the donation unit:
// one balloon is worth a fixed 100 KRW, so the connector reports a count,
// not an amount.
const (
	soopSvcChat      = "CHATMESG"
	soopSvcBalloon   = "SENDBALLOON"
	soopSvcFollow    = "FOLLOWITEM"
	soopSvcSubscribe = "SUBSCRIBE"

	soopBalloonKRW = 100
)

const soopAnonNickname = "익명의 시청자"

type soopPayload struct {
	ServiceCode string `json:"serviceCode"`
	UserID      string `json:"userId"`
	UserNick    string `json:"userNick"`
	Grade       string `json:"grade"`
	Message     string `json:"message"`
	Balloons    int64  `json:"balloonCount"`
	SentAt      int64  `json:"sentAt"`
	ChannelID   string `json:"bjId"`
	BroadcastID string `json:"broadNo"`
	IsFan       bool   `json:"isFan"`
	IsSub       bool   `json:"isSubscriber"`
}

var soopRoles = map[string]core.Role{
	"bj":      core.RoleStreamer,
	"manager": core.RoleManager,
	"vip":     core.RoleVIP,
	"vvip":    core.RoleVVIP,
}

func (n *Normalizer) normalizeSoop(raw []byte) (core.Event, error) {
	var p soopPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return core.Event{}, malformed(core.PlatformSoop, "payload is not an object: "+err.Error())
	}
	if p.ServiceCode == "" {
		return core.Event{}, malformed(core.PlatformSoop, "missing serviceCode")
	}
	if p.ChannelID == "" {
		return core.Event{}, malformed(core.PlatformSoop, "missing bjId")
	}
	if p.UserID == "" {
		return core.Event{}, malformed(core.PlatformSoop, "missing userId")
	}

	var eventType core.EventType
	switch p.ServiceCode {
	case soopSvcChat:
		eventType = core.EventChat
	case soopSvcBalloon:
		eventType = core.EventDonation
	case soopSvcFollow:
		eventType = core.EventFollow
	case soopSvcSubscribe:
		eventType = core.EventSubscribe
	default:
		return core.Event{}, malformed(core.PlatformSoop, "unknown serviceCode "+p.ServiceCode)
	}

	role := core.RoleRegular
	if r, ok := soopRoles[p.Grade]; ok {
		role = r
	} else if p.IsSub {
		role = core.RoleSubscriber
	} else if p.IsFan {
		role = core.RoleFan
	}

	var badges []string
	if p.IsFan {
		badges = append(badges, "fan")
	}
	if p.IsSub {
		badges = append(badges, "subscriber")
	}

	ev := core.Event{
		ID:       composeID(core.PlatformSoop, raw),
		Type:     eventType,
		Platform: core.PlatformSoop,
		Sender: core.Sender{
			ExternalID: p.UserID,
			Nickname:   nonEmpty(p.UserNick, soopAnonNickname),
			Role:       role,
			Badges:     badges,
		},
		Content: core.Content{
			Message: p.Message,
		},
		Ts:          n.eventTime(p.SentAt),
		ChannelID:   p.ChannelID,
		BroadcastID: p.BroadcastID,
		RawJSON:     string(raw),
	}

	if eventType == core.EventDonation {
		if p.Balloons < 0 {
			return core.Event{}, malformed(core.PlatformSoop, "negative balloonCount")
		}
		ev.Content.OriginalAmount = float64(p.Balloons)
		ev.Content.Currency = "KRW"
		ev.Content.AmountKRW = p.Balloons * soopBalloonKRW
		ev.Content.DonationType = "balloon"
	}
	return ev, nil
}
