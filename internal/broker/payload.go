package broker

import (
	"encoding/json"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// Envelope is the wire shape of every broker message, in both directions.
type Envelope struct {
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

func marshalEnvelope(logger logging.Logger, event string, data map[string]interface{}, ts time.Time) []byte {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	raw, err := json.Marshal(Envelope{
		Event:     event,
		Data:      data,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		logger.WithField("error", err.Error()).Error("Failed to marshal outbound envelope")
		return nil
	}
	return raw
}

// chatMessageData builds chat_message.data. Older clients read the
// camelCase names, newer ones the snake_case ones, so both are kept.
func chatMessageData(m *events.ChatMessage) map[string]interface{} {
	badges := m.Badges
	if badges == nil {
		badges = []events.Badge{}
	}
	emotes := m.Emotes
	if emotes == nil {
		emotes = []events.Emote{}
	}
	return map[string]interface{}{
		"channelId":         m.ChannelID,
		"channel_id":        m.ChannelID,
		"userId":            m.UserID,
		"user_id":           m.UserID,
		"message_text":      m.Text,
		"timestamp":         m.TS.UTC().Format(time.RFC3339Nano),
		"messageId":         m.WireID,
		"message_id":        m.WireID,
		"badges":            badges,
		"emotes":            emotes,
		"username":          m.Username,
		"user_display_name": m.UserDisplayName,
		"channel_name":      m.ChannelName,
		"channel_twitch_id": m.ChannelTwitchID,
	}
}

func messageDeletedData(d *events.MessageDeleted) map[string]interface{} {
	return map[string]interface{}{
		"messageId":    d.WireID,
		"message_id":   d.WireID,
		"channelId":    d.ChannelID,
		"channel_id":   d.ChannelID,
		"channel_name": d.ChannelName,
		"username":     d.Username,
		"message_text": d.Text,
	}
}

func modActionData(a *events.ModAction) map[string]interface{} {
	data := map[string]interface{}{
		"channelId":       a.ChannelID,
		"channel_id":      a.ChannelID,
		"channel_name":    a.ChannelName,
		"action":          string(a.Kind),
		"target_user_id":  a.TargetUserID,
		"target_username": a.TargetUsername,
		"moderator":       a.ModeratorName,
	}
	if a.DurationS != nil {
		data["duration_s"] = *a.DurationS
	}
	if a.RelatedWireID != "" {
		data["messageId"] = a.RelatedWireID
		data["message_id"] = a.RelatedWireID
	}
	return data
}

func channelStatusData(s *events.ChannelStatus) map[string]interface{} {
	return map[string]interface{}{
		"channelId":    s.ChannelID,
		"channel_id":   s.ChannelID,
		"channel_name": s.ChannelName,
		"live":         s.Live,
		"game_name":    s.GameName,
		"title":        s.Title,
		"viewer_count": s.ViewerCount,
		"transition":   s.Transition,
	}
}

func messagesFlushedData(f *events.MessagesFlushed, ts time.Time) map[string]interface{} {
	usernames := f.Usernames
	if usernames == nil {
		usernames = []string{}
	}
	channels := f.Channels
	if channels == nil {
		channels = []string{}
	}
	return map[string]interface{}{
		"usernames": usernames,
		"channels":  channels,
		"count":     f.Count,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	}
}

func mpsUpdateData(m *events.MpsSnapshot, ts time.Time) map[string]interface{} {
	per := m.PerChannel
	if per == nil {
		per = map[string]float64{}
	}
	return map[string]interface{}{
		"mps":        m.MPS,
		"channelMps": per,
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
	}
}

func channelMpsData(m *events.ChannelMps) map[string]interface{} {
	return map[string]interface{}{
		"channelId":    m.ChannelID,
		"channel_id":   m.ChannelID,
		"channel_name": m.ChannelName,
		"mps":          m.MPS,
	}
}
