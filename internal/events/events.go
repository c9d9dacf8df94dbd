// Package events defines the domain events that flow through the bus: chat
// messages, moderator actions, monetization events, live-status changes and
// the synthetic events produced by the archive and the broker.
package events

import "time"

// Kind identifies the type of a domain event. The values double as the
// wire-level event names sent to real-time subscribers.
type Kind string

const (
	KindChatMessage     Kind = "chat_message"
	KindMessageDeleted  Kind = "message_deleted"
	KindModAction       Kind = "mod_action"
	KindChannelStatus   Kind = "channel_status"
	KindMessagesFlushed Kind = "messages_flushed"
	KindMpsSnapshot     Kind = "mps_update"
	KindChannelMps      Kind = "channel_mps"
	KindBits            Kind = "channel_bits"
	KindSubscription    Kind = "channel_subscription"
	KindRaid            Kind = "channel_raid"
	KindWebhookMuted    Kind = "webhook_auto_muted"
)

// ActionKind enumerates moderator action types.
type ActionKind string

const (
	ActionBan       ActionKind = "ban"
	ActionTimeout   ActionKind = "timeout"
	ActionDelete    ActionKind = "delete"
	ActionClear     ActionKind = "clear"
	ActionUnban     ActionKind = "unban"
	ActionUntimeout ActionKind = "untimeout"
)

// Badge is a chat badge attached to a message.
type Badge struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Emote is an emote occurrence within a message text.
type Emote struct {
	ID    string `json:"id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ChatMessage is a parsed PRIVMSG with resolved identities.
type ChatMessage struct {
	WireID          string
	ChannelID       int
	ChannelName     string
	ChannelTwitchID string
	UserID          int
	Username        string
	UserDisplayName string
	Text            string
	TS              time.Time
	Badges          []Badge
	Emotes          []Emote
	ReplyToWireID   string
	Bits            int
}

// MessageDeleted marks a single message as removed by a moderator.
type MessageDeleted struct {
	WireID      string
	ChannelID   int
	ChannelName string
	Username    string
	Text        string
}

// ModAction is a moderator action against a user or a whole chat.
type ModAction struct {
	ChannelID      int
	ChannelName    string
	ModeratorID    *int
	ModeratorName  string
	TargetUserID   int
	TargetUsername string
	Kind           ActionKind
	DurationS      *int
	Reason         string
	RelatedWireID  string
}

// ChannelStatus is a live-status transition observed by the Helix poller.
type ChannelStatus struct {
	ChannelID   int
	ChannelName string
	Live        bool
	GameName    string
	Title       string
	ViewerCount int
	// Transition is one of "live", "offline", "game_change".
	Transition string
}

// MessagesFlushed is published after every successful archive batch commit
// so readers can invalidate recent-message caches.
type MessagesFlushed struct {
	ChannelIDs []int
	UserIDs    []int
	Usernames  []string
	Channels   []string
	Count      int
}

// MpsSnapshot is the global messages-per-second snapshot, emitted once per
// second by the broker's throughput meter.
type MpsSnapshot struct {
	MPS        float64
	PerChannel map[string]float64
}

// ChannelMps is the per-channel messages-per-second snapshot.
type ChannelMps struct {
	ChannelID   int
	ChannelName string
	MPS         float64
}

// BitsEvent is a cheer attached to a chat message.
type BitsEvent struct {
	ChannelID     int
	ChannelName   string
	UserID        int
	Username      string
	Amount        int
	MessageWireID string
}

// SubEvent covers the subscription family: sub, resub, subgift and
// submysterygift USERNOTICEs.
type SubEvent struct {
	ChannelID        int
	ChannelName      string
	UserID           int
	Username         string
	SubType          string
	Tier             string
	CumulativeMonths int
	GiftCount        int
}

// RaidEvent is an incoming raid.
type RaidEvent struct {
	ChannelID    int
	ChannelName  string
	FromUserID   int
	FromUsername string
	ViewerCount  int
}

// WebhookMuted is the audit event published when a registration crosses
// the consecutive-failure threshold and is automatically muted.
type WebhookMuted struct {
	WebhookID int
	Kind      string
	Failures  int
}

// Event is the tagged sum carried on the bus. Exactly one payload pointer
// is non-nil, matching Kind.
type Event struct {
	Kind Kind

	// ChannelID routes the event to a per-channel room; 0 means the
	// event has no channel affinity and is only visible globally.
	ChannelID   int
	ChannelName string

	// TS is the IRC-provided timestamp when available, arrival time
	// otherwise (SynthesizedTS is set in that case).
	TS            time.Time
	SynthesizedTS bool

	ChatMessage    *ChatMessage
	MessageDeleted *MessageDeleted
	ModAction      *ModAction
	ChannelStatus  *ChannelStatus
	Flushed        *MessagesFlushed
	Mps            *MpsSnapshot
	ChannelMps     *ChannelMps
	Bits           *BitsEvent
	Sub            *SubEvent
	Raid           *RaidEvent
	WebhookMuted   *WebhookMuted
}
