package webhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
)

// Discord embed colors per event class.
const (
	colorMessage = 0x5865F2
	colorMod     = 0xED4245
	colorLive    = 0x57F287
	colorMoney   = 0xFEE75C
)

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// buildPayload renders the Discord-shaped JSON body for a matched event.
func buildPayload(ev events.Event) ([]byte, error) {
	ts := ev.TS.UTC().Format(time.RFC3339)

	var embed discordEmbed
	switch ev.Kind {
	case events.KindChatMessage:
		m := ev.ChatMessage
		embed = discordEmbed{
			Title:       fmt.Sprintf("%s in #%s", m.UserDisplayName, m.ChannelName),
			Description: m.Text,
			Color:       colorMessage,
			Timestamp:   ts,
			Fields: []discordField{
				{Name: "Channel", Value: m.ChannelName, Inline: true},
				{Name: "User", Value: m.Username, Inline: true},
			},
		}

	case events.KindModAction:
		a := ev.ModAction
		embed = discordEmbed{
			Title:     fmt.Sprintf("Mod action in #%s", a.ChannelName),
			Color:     colorMod,
			Timestamp: ts,
			Fields: []discordField{
				{Name: "Action", Value: string(a.Kind), Inline: true},
				{Name: "Target", Value: orDash(a.TargetUsername), Inline: true},
			},
		}
		if a.DurationS != nil {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Duration", Value: fmt.Sprintf("%ds", *a.DurationS), Inline: true})
		}
		if a.Reason != "" {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Reason", Value: a.Reason})
		}

	case events.KindChannelStatus:
		s := ev.ChannelStatus
		title := fmt.Sprintf("#%s went offline", s.ChannelName)
		switch s.Transition {
		case "live":
			title = fmt.Sprintf("#%s is live", s.ChannelName)
		case "game_change":
			title = fmt.Sprintf("#%s changed game", s.ChannelName)
		}
		embed = discordEmbed{
			Title:       title,
			Description: s.Title,
			Color:       colorLive,
			Timestamp:   ts,
		}
		if s.GameName != "" {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Game", Value: s.GameName, Inline: true})
		}
		if s.Live {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Viewers", Value: fmt.Sprintf("%d", s.ViewerCount), Inline: true})
		}

	case events.KindBits:
		b := ev.Bits
		embed = discordEmbed{
			Title:     fmt.Sprintf("%s cheered %d bits in #%s", b.Username, b.Amount, b.ChannelName),
			Color:     colorMoney,
			Timestamp: ts,
		}

	case events.KindSubscription:
		s := ev.Sub
		embed = discordEmbed{
			Title:     fmt.Sprintf("%s %s in #%s", s.Username, subVerb(s), s.ChannelName),
			Color:     colorMoney,
			Timestamp: ts,
			Fields: []discordField{
				{Name: "Tier", Value: orDash(s.Tier), Inline: true},
			},
		}
		if s.CumulativeMonths > 0 {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Months", Value: fmt.Sprintf("%d", s.CumulativeMonths), Inline: true})
		}
		if s.GiftCount > 0 {
			embed.Fields = append(embed.Fields,
				discordField{Name: "Gifts", Value: fmt.Sprintf("%d", s.GiftCount), Inline: true})
		}

	case events.KindRaid:
		r := ev.Raid
		embed = discordEmbed{
			Title:     fmt.Sprintf("%s raided #%s with %d viewers", r.FromUsername, r.ChannelName, r.ViewerCount),
			Color:     colorLive,
			Timestamp: ts,
		}

	default:
		return nil, fmt.Errorf("no payload template for event kind %s", ev.Kind)
	}

	return json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
}

func subVerb(s *events.SubEvent) string {
	switch s.SubType {
	case "resub":
		return "resubscribed"
	case "subgift":
		return "gifted a sub"
	case "submysterygift":
		return "gifted subs"
	default:
		return "subscribed"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
