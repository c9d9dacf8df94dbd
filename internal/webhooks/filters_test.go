package webhooks

import (
	"testing"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

func chatEv(channelID int, username string) events.Event {
	return events.Event{
		Kind:        events.KindChatMessage,
		ChannelID:   channelID,
		ChatMessage: &events.ChatMessage{ChannelID: channelID, Username: username, Text: "hi"},
	}
}

func modEv(channelID int, kind events.ActionKind) events.Event {
	return events.Event{
		Kind:      events.KindModAction,
		ChannelID: channelID,
		ModAction: &events.ModAction{ChannelID: channelID, Kind: kind},
	}
}

func statusEv(channelID int, transition string) events.Event {
	return events.Event{
		Kind:          events.KindChannelStatus,
		ChannelID:     channelID,
		ChannelStatus: &events.ChannelStatus{ChannelID: channelID, Transition: transition},
	}
}

func subEv(channelID int, subType string, months, gifts int) events.Event {
	return events.Event{
		Kind:      events.KindSubscription,
		ChannelID: channelID,
		Sub: &events.SubEvent{
			ChannelID:        channelID,
			SubType:          subType,
			CumulativeMonths: months,
			GiftCount:        gifts,
		},
	}
}

func TestFilterPredicates(t *testing.T) {
	tests := []struct {
		name string
		reg  models.WebhookRegistration
		ev   events.Event
		want bool
	}{
		{
			name: "tracked user matches case-insensitively",
			reg: models.WebhookRegistration{Kind: models.WebhookTrackedUserMessage,
				Filter: models.WebhookFilter{TrackedUsernames: []string{"Bob"}}},
			ev:   chatEv(1, "bob"),
			want: true,
		},
		{
			name: "tracked user rejects others",
			reg: models.WebhookRegistration{Kind: models.WebhookTrackedUserMessage,
				Filter: models.WebhookFilter{TrackedUsernames: []string{"bob"}}},
			ev:   chatEv(1, "alice"),
			want: false,
		},
		{
			name: "mod action matches type without channel filter",
			reg: models.WebhookRegistration{Kind: models.WebhookModAction,
				Filter: models.WebhookFilter{ActionTypes: []string{"ban", "timeout"}}},
			ev:   modEv(9, events.ActionBan),
			want: true,
		},
		{
			name: "mod action rejects channel outside filter",
			reg: models.WebhookRegistration{Kind: models.WebhookModAction,
				Filter: models.WebhookFilter{ActionTypes: []string{"ban"}, ChannelIDs: []int{1, 2}}},
			ev:   modEv(9, events.ActionBan),
			want: false,
		},
		{
			name: "mod action rejects unlisted type",
			reg: models.WebhookRegistration{Kind: models.WebhookModAction,
				Filter: models.WebhookFilter{ActionTypes: []string{"ban"}}},
			ev:   modEv(1, events.ActionDelete),
			want: false,
		},
		{
			name: "channel_live matches live transition",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelLive,
				Filter: models.WebhookFilter{ChannelIDs: []int{1}}},
			ev:   statusEv(1, "live"),
			want: true,
		},
		{
			name: "channel_live rejects offline transition",
			reg:  models.WebhookRegistration{Kind: models.WebhookChannelLive},
			ev:   statusEv(1, "offline"),
			want: false,
		},
		{
			name: "channel_offline matches offline",
			reg:  models.WebhookRegistration{Kind: models.WebhookChannelOffline},
			ev:   statusEv(1, "offline"),
			want: true,
		},
		{
			name: "channel_game_change matches",
			reg:  models.WebhookRegistration{Kind: models.WebhookChannelGameChange},
			ev:   statusEv(1, "game_change"),
			want: true,
		},
		{
			name: "bits below minimum rejected",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelBits,
				Filter: models.WebhookFilter{MinBits: 500}},
			ev: events.Event{Kind: events.KindBits, ChannelID: 1,
				Bits: &events.BitsEvent{ChannelID: 1, Amount: 100}},
			want: false,
		},
		{
			name: "bits at minimum matches",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelBits,
				Filter: models.WebhookFilter{MinBits: 500}},
			ev: events.Event{Kind: events.KindBits, ChannelID: 1,
				Bits: &events.BitsEvent{ChannelID: 1, Amount: 500}},
			want: true,
		},
		{
			name: "subscription matches type and months",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelSub,
				Filter: models.WebhookFilter{SubTypes: []string{"resub"}, MinMonths: 12}},
			ev:   subEv(1, "resub", 14, 0),
			want: true,
		},
		{
			name: "subscription below min months rejected",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelSub,
				Filter: models.WebhookFilter{MinMonths: 12}},
			ev:   subEv(1, "resub", 3, 0),
			want: false,
		},
		{
			name: "gift sub matches mystery gift count",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelGiftSub,
				Filter: models.WebhookFilter{MinGiftCount: 5}},
			ev:   subEv(1, "submysterygift", 0, 10),
			want: true,
		},
		{
			name: "gift sub rejects plain sub",
			reg:  models.WebhookRegistration{Kind: models.WebhookChannelGiftSub},
			ev:   subEv(1, "sub", 1, 0),
			want: false,
		},
		{
			name: "raid below min viewers rejected",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelRaid,
				Filter: models.WebhookFilter{MinViewers: 100}},
			ev: events.Event{Kind: events.KindRaid, ChannelID: 1,
				Raid: &events.RaidEvent{ChannelID: 1, ViewerCount: 50}},
			want: false,
		},
		{
			name: "raid at min viewers matches",
			reg: models.WebhookRegistration{Kind: models.WebhookChannelRaid,
				Filter: models.WebhookFilter{MinViewers: 100}},
			ev: events.Event{Kind: events.KindRaid, ChannelID: 1,
				Raid: &events.RaidEvent{ChannelID: 1, ViewerCount: 100}},
			want: true,
		},
		{
			name: "kind mismatch never matches",
			reg:  models.WebhookRegistration{Kind: models.WebhookChannelRaid},
			ev:   chatEv(1, "bob"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.reg, tt.ev); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://discord.com/api/webhooks/123/abc"); err != nil {
		t.Fatalf("valid url rejected: %v", err)
	}
	if err := ValidateURL("http://discord.com/api/webhooks/123/abc"); err == nil {
		t.Fatal("http url accepted")
	}
	if err := ValidateURL("https://"); err == nil {
		t.Fatal("hostless url accepted")
	}
}

func TestMaskURLHidesSecret(t *testing.T) {
	mask := MaskURL("https://discord.com/api/webhooks/123456/supersecrettoken")
	if mask != "https://discord.com/...oken" {
		t.Fatalf("mask = %q", mask)
	}
}
