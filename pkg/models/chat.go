// Package models holds the persisted entity types shared across the
// service: channels, users, archived messages, moderator actions and
// webhook registrations.
package models

import "time"

// Channel is a joined (or previously joined) Twitch channel. Rows are
// never deleted; deactivation flips Active so historical foreign keys
// stay valid.
type Channel struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	TwitchID    string    `json:"twitch_id,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a chat user, created lazily on first observation.
type User struct {
	ID          int       `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	TwitchID    string    `json:"twitch_id,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// WebhookKind enumerates the registration kinds.
type WebhookKind string

const (
	WebhookTrackedUserMessage WebhookKind = "tracked_user_message"
	WebhookModAction          WebhookKind = "mod_action"
	WebhookChannelLive        WebhookKind = "channel_live"
	WebhookChannelOffline     WebhookKind = "channel_offline"
	WebhookChannelGameChange  WebhookKind = "channel_game_change"
	WebhookChannelBits        WebhookKind = "channel_bits"
	WebhookChannelSub         WebhookKind = "channel_subscription"
	WebhookChannelGiftSub     WebhookKind = "channel_gift_sub"
	WebhookChannelRaid        WebhookKind = "channel_raid"
)

// WebhookFilter is the kind-specific predicate configuration stored as
// JSON alongside a registration. Unused fields are zero for kinds that do
// not read them.
type WebhookFilter struct {
	TrackedUsernames []string `json:"tracked_usernames,omitempty"`
	ActionTypes      []string `json:"action_types,omitempty"`
	ChannelIDs       []int    `json:"channel_ids,omitempty"`
	MinBits          int      `json:"min_bits,omitempty"`
	SubTypes         []string `json:"sub_types,omitempty"`
	MinMonths        int      `json:"min_months,omitempty"`
	MinGiftCount     int      `json:"min_gift_count,omitempty"`
	MinViewers       int      `json:"min_viewers,omitempty"`
}

// WebhookRegistration is a registered outbound destination. URL is never
// serialized; read paths expose URLMask instead.
type WebhookRegistration struct {
	ID                  int           `json:"id"`
	OwnerID             int           `json:"owner_id"`
	Kind                WebhookKind   `json:"kind"`
	Filter              WebhookFilter `json:"filter"`
	URL                 string        `json:"-"`
	URLMask             string        `json:"url_mask"`
	Enabled             bool          `json:"enabled"`
	Muted               bool          `json:"muted"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastTriggeredAt     *time.Time    `json:"last_triggered_at,omitempty"`
	TriggerCount        int64         `json:"trigger_count"`
	CreatedAt           time.Time     `json:"created_at"`
}
