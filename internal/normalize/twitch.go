package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/you/streamsight/internal/core"
)

// Twitch payloads are pre-parsed IRC frames: a command, a tag map, and the
// trailing text. Cheers ride on PRIVMSG with a bits tag (100 bits = 1 USD);
// subs arrive as USERNOTICE with msg-id; follows come from the EventSub
// bridge as a FOLLOW command.
const (
	twitchCmdPrivmsg    = "PRIVMSG"
	twitchCmdUsernotice = "USERNOTICE"
	twitchCmdFollow     = "FOLLOW"

	twitchBitsPerUSD = 100
)

const twitchAnonNickname = "Anonymous Viewer"

type twitchPayload struct {
	Command string            `json:"command"`
	Tags    map[string]string `json:"tags"`
	Channel string            `json:"channel"`
	Text    string            `json:"text"`
}

var twitchSubMsgIDs = map[string]bool{
	"sub":            true,
	"resub":          true,
	"subgift":        true,
	"anonsubgift":    true,
	"submysterygift": true,
}

func (n *Normalizer) normalizeTwitch(raw []byte) (core.Event, error) {
	var p twitchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return core.Event{}, malformed(core.PlatformTwitch, "payload is not an object: "+err.Error())
	}
	if p.Command == "" {
		return core.Event{}, malformed(core.PlatformTwitch, "missing command")
	}
	if p.Channel == "" {
		return core.Event{}, malformed(core.PlatformTwitch, "missing channel")
	}
	userID := p.Tags["user-id"]
	if userID == "" {
		return core.Event{}, malformed(core.PlatformTwitch, "missing user-id tag")
	}

	bits, _ := strconv.ParseInt(p.Tags["bits"], 10, 64)

	var eventType core.EventType
	switch p.Command {
	case twitchCmdPrivmsg:
		eventType = core.EventChat
		if bits > 0 {
			eventType = core.EventDonation
		}
	case twitchCmdUsernotice:
		if !twitchSubMsgIDs[p.Tags["msg-id"]] {
			return core.Event{}, malformed(core.PlatformTwitch, "unknown msg-id "+p.Tags["msg-id"])
		}
		eventType = core.EventSubscribe
	case twitchCmdFollow:
		eventType = core.EventFollow
	default:
		return core.Event{}, malformed(core.PlatformTwitch, "unknown command "+p.Command)
	}

	badges := splitBadges(p.Tags["badges"])
	role := twitchRole(badges)

	var ts int64
	if raw := p.Tags["tmi-sent-ts"]; raw != "" {
		ts, _ = strconv.ParseInt(raw, 10, 64)
	}

	id := p.Tags["id"]
	if id == "" {
		id = composeID(core.PlatformTwitch, raw)
	}

	ev := core.Event{
		ID:       id,
		Type:     eventType,
		Platform: core.PlatformTwitch,
		Sender: core.Sender{
			ExternalID: userID,
			Nickname:   nonEmpty(p.Tags["display-name"], twitchAnonNickname),
			Role:       role,
			Badges:     badges,
		},
		Content: core.Content{
			Message: p.Text,
		},
		Ts:          n.eventTime(ts),
		ChannelID:   strings.TrimPrefix(p.Channel, "#"),
		BroadcastID: p.Tags["room-id"],
		RawJSON:     string(raw),
	}

	if eventType == core.EventDonation {
		usd := float64(bits) / twitchBitsPerUSD
		ev.Content.OriginalAmount = float64(bits)
		ev.Content.Currency = "USD"
		ev.Content.AmountKRW = n.toKRW(usd, "USD")
		ev.Content.DonationType = "cheer"
	}
	return ev, nil
}

func splitBadges(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "/")
		if name != "" {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func twitchRole(badges []string) core.Role {
	role := core.RoleRegular
	for _, b := range badges {
		switch b {
		case "broadcaster":
			return core.RoleStreamer
		case "moderator":
			role = core.RoleManager
		case "vip":
			if role == core.RoleRegular || role == core.RoleSubscriber {
				role = core.RoleVIP
			}
		case "subscriber", "founder":
			if role == core.RoleRegular {
				role = core.RoleSubscriber
			}
		}
	}
	return role
}
