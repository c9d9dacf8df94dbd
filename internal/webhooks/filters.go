package webhooks

import (
	"strings"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// Matches evaluates a registration's predicate against an event. Muted and
// disabled registrations are evaluated by the caller separately; this is
// the pure predicate.
func Matches(reg models.WebhookRegistration, ev events.Event) bool {
	switch reg.Kind {
	case models.WebhookTrackedUserMessage:
		if ev.Kind != events.KindChatMessage || ev.ChatMessage == nil {
			return false
		}
		return containsFold(reg.Filter.TrackedUsernames, ev.ChatMessage.Username)

	case models.WebhookModAction:
		if ev.Kind != events.KindModAction || ev.ModAction == nil {
			return false
		}
		if !containsFold(reg.Filter.ActionTypes, string(ev.ModAction.Kind)) {
			return false
		}
		return channelMatch(reg.Filter.ChannelIDs, ev.ChannelID)

	case models.WebhookChannelLive:
		return statusMatch(reg, ev, "live")
	case models.WebhookChannelOffline:
		return statusMatch(reg, ev, "offline")
	case models.WebhookChannelGameChange:
		return statusMatch(reg, ev, "game_change")

	case models.WebhookChannelBits:
		if ev.Kind != events.KindBits || ev.Bits == nil {
			return false
		}
		return channelMatch(reg.Filter.ChannelIDs, ev.ChannelID) &&
			ev.Bits.Amount >= reg.Filter.MinBits

	case models.WebhookChannelSub:
		if ev.Kind != events.KindSubscription || ev.Sub == nil {
			return false
		}
		if !channelMatch(reg.Filter.ChannelIDs, ev.ChannelID) {
			return false
		}
		if len(reg.Filter.SubTypes) > 0 && !containsFold(reg.Filter.SubTypes, ev.Sub.SubType) {
			return false
		}
		return ev.Sub.CumulativeMonths >= reg.Filter.MinMonths

	case models.WebhookChannelGiftSub:
		if ev.Kind != events.KindSubscription || ev.Sub == nil {
			return false
		}
		if ev.Sub.SubType != "subgift" && ev.Sub.SubType != "submysterygift" {
			return false
		}
		return channelMatch(reg.Filter.ChannelIDs, ev.ChannelID) &&
			ev.Sub.GiftCount >= reg.Filter.MinGiftCount

	case models.WebhookChannelRaid:
		if ev.Kind != events.KindRaid || ev.Raid == nil {
			return false
		}
		return channelMatch(reg.Filter.ChannelIDs, ev.ChannelID) &&
			ev.Raid.ViewerCount >= reg.Filter.MinViewers
	}
	return false
}

// channelMatch is true when the registration has no channel filter or the
// event's channel is in it.
func channelMatch(ids []int, channelID int) bool {
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == channelID {
			return true
		}
	}
	return false
}

func statusMatch(reg models.WebhookRegistration, ev events.Event, transition string) bool {
	if ev.Kind != events.KindChannelStatus || ev.ChannelStatus == nil {
		return false
	}
	return ev.ChannelStatus.Transition == transition &&
		channelMatch(reg.Filter.ChannelIDs, ev.ChannelID)
}

func containsFold(haystack []string, needle string) bool {
	needle = strings.ToLower(needle)
	for _, s := range haystack {
		if strings.ToLower(s) == needle {
			return true
		}
	}
	return false
}
