package irc

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v3"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/internal/identity"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// Archiver receives events that must be persisted.
type Archiver interface {
	Append(ev events.Event)
}

// Parser turns raw IRC frames into domain events, resolving channel and
// user identities on the way. Persisted kinds go to the archiver; every
// kind goes to the bus for live distribution.
type Parser struct {
	resolver *identity.Resolver
	bus      *bus.Bus
	archive  Archiver
	logger   logging.Logger

	parsed      atomic.Uint64
	parseErrors atomic.Uint64
}

// NewParser wires the parser to its sinks.
func NewParser(resolver *identity.Resolver, b *bus.Bus, archive Archiver, logger logging.Logger) *Parser {
	return &Parser{resolver: resolver, bus: b, archive: archive, logger: logger}
}

// Parsed reports successfully parsed frames.
func (p *Parser) Parsed() uint64 { return p.parsed.Load() }

// ParseErrors reports frames dropped because they could not be resolved.
func (p *Parser) ParseErrors() uint64 { return p.parseErrors.Load() }

// Run consumes frames until the context is cancelled, then drains whatever
// is still queued so late frames are not lost on shutdown.
func (p *Parser) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.handle(ctx, f)
		case <-ctx.Done():
			for {
				select {
				case f, ok := <-frames:
					if !ok {
						return
					}
					p.handle(context.Background(), f)
				default:
					return
				}
			}
		}
	}
}

func (p *Parser) handle(ctx context.Context, f Frame) {
	var err error
	switch {
	case f.Privmsg != nil:
		err = p.handlePrivmsg(ctx, f)
	case f.ClearChat != nil:
		err = p.handleClearChat(ctx, f)
	case f.Clear != nil:
		err = p.handleClearMsg(ctx, f)
	case f.UserNotice != nil:
		err = p.handleUserNotice(ctx, f)
	default:
		return
	}
	if err != nil {
		p.parseErrors.Add(1)
		p.logger.WithField("error", err.Error()).Warn("Dropping unparseable frame")
		return
	}
	p.parsed.Add(1)
}

func (p *Parser) handlePrivmsg(ctx context.Context, f Frame) error {
	m := f.Privmsg
	ch, err := p.resolver.ResolveChannel(ctx, m.Channel, m.RoomID)
	if err != nil {
		return err
	}
	u, err := p.resolver.ResolveUser(ctx, m.User.Name, m.User.DisplayName, m.User.ID)
	if err != nil {
		return err
	}

	ts, synthesized := frameTime(m.Time, f.ReceivedAt)
	msg := &events.ChatMessage{
		WireID:          m.ID,
		ChannelID:       ch.ID,
		ChannelName:     ch.Name,
		ChannelTwitchID: ch.TwitchID,
		UserID:          u.ID,
		Username:        u.Username,
		UserDisplayName: u.DisplayName,
		Text:            m.Message,
		TS:              ts,
		Badges:          parseBadges(m.Tags["badges"]),
		Emotes:          convertEmotes(m.Emotes),
		ReplyToWireID:   m.Tags["reply-parent-msg-id"],
		Bits:            m.Bits,
	}

	ev := events.Event{
		Kind:          events.KindChatMessage,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: synthesized,
		ChatMessage:   msg,
	}
	p.archive.Append(ev)
	p.bus.Publish(ev)

	if m.Bits > 0 {
		bev := events.Event{
			Kind:        events.KindBits,
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			TS:          ts,
			Bits: &events.BitsEvent{
				ChannelID:     ch.ID,
				ChannelName:   ch.Name,
				UserID:        u.ID,
				Username:      u.Username,
				Amount:        m.Bits,
				MessageWireID: m.ID,
			},
		}
		p.archive.Append(bev)
		p.bus.Publish(bev)
	}
	return nil
}

// handleClearChat covers bans, timeouts and whole-chat clears, which all
// arrive as CLEARCHAT.
func (p *Parser) handleClearChat(ctx context.Context, f Frame) error {
	m := f.ClearChat
	ch, err := p.resolver.ResolveChannel(ctx, m.Channel, m.RoomID)
	if err != nil {
		return err
	}

	ts, synthesized := frameTime(m.Time, f.ReceivedAt)
	action := &events.ModAction{
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		Kind:        events.ActionClear,
	}
	if m.TargetUsername != "" {
		u, err := p.resolver.ResolveUser(ctx, m.TargetUsername, "", m.TargetUserID)
		if err != nil {
			return err
		}
		action.TargetUserID = u.ID
		action.TargetUsername = u.Username
		if m.BanDuration > 0 {
			d := m.BanDuration
			action.Kind = events.ActionTimeout
			action.DurationS = &d
		} else {
			action.Kind = events.ActionBan
		}
	}

	ev := events.Event{
		Kind:          events.KindModAction,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: synthesized,
		ModAction:     action,
	}
	p.archive.Append(ev)
	p.bus.Publish(ev)
	return nil
}

// handleClearMsg is a single-message deletion. It produces both the mod
// action (persisted, marks the message row) and a message_deleted event
// for live subscribers.
func (p *Parser) handleClearMsg(ctx context.Context, f Frame) error {
	m := f.Clear
	ch, err := p.resolver.ResolveChannel(ctx, m.Channel, "")
	if err != nil {
		return err
	}
	u, err := p.resolver.ResolveUser(ctx, m.Login, "", "")
	if err != nil {
		return err
	}

	// CLEARMSG carries no tmi-sent-ts in this client, arrival time is the
	// best available.
	ts := f.ReceivedAt
	ev := events.Event{
		Kind:          events.KindModAction,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: true,
		ModAction: &events.ModAction{
			ChannelID:      ch.ID,
			ChannelName:    ch.Name,
			TargetUserID:   u.ID,
			TargetUsername: u.Username,
			Kind:           events.ActionDelete,
			RelatedWireID:  m.TargetMsgID,
		},
	}
	p.archive.Append(ev)
	p.bus.Publish(ev)

	p.bus.Publish(events.Event{
		Kind:          events.KindMessageDeleted,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: true,
		MessageDeleted: &events.MessageDeleted{
			WireID:      m.TargetMsgID,
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			Username:    u.Username,
			Text:        m.Message,
		},
	})
	return nil
}

// handleUserNotice covers the subscription family and raids; other
// USERNOTICE kinds are ignored.
func (p *Parser) handleUserNotice(ctx context.Context, f Frame) error {
	m := f.UserNotice
	switch m.MsgID {
	case "sub", "resub", "subgift", "submysterygift":
	case "raid":
		return p.handleRaid(ctx, f)
	default:
		return nil
	}

	ch, err := p.resolver.ResolveChannel(ctx, m.Channel, m.RoomID)
	if err != nil {
		return err
	}
	u, err := p.resolver.ResolveUser(ctx, m.User.Name, m.User.DisplayName, m.User.ID)
	if err != nil {
		return err
	}

	ts, synthesized := frameTime(m.Time, f.ReceivedAt)
	ev := events.Event{
		Kind:          events.KindSubscription,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: synthesized,
		Sub: &events.SubEvent{
			ChannelID:        ch.ID,
			ChannelName:      ch.Name,
			UserID:           u.ID,
			Username:         u.Username,
			SubType:          m.MsgID,
			Tier:             m.MsgParams["msg-param-sub-plan"],
			CumulativeMonths: paramInt(m.MsgParams, "msg-param-cumulative-months"),
			GiftCount:        paramInt(m.MsgParams, "msg-param-mass-gift-count"),
		},
	}
	p.archive.Append(ev)
	p.bus.Publish(ev)
	return nil
}

func (p *Parser) handleRaid(ctx context.Context, f Frame) error {
	m := f.UserNotice
	ch, err := p.resolver.ResolveChannel(ctx, m.Channel, m.RoomID)
	if err != nil {
		return err
	}
	u, err := p.resolver.ResolveUser(ctx, m.User.Name, m.User.DisplayName, m.User.ID)
	if err != nil {
		return err
	}

	ts, synthesized := frameTime(m.Time, f.ReceivedAt)
	ev := events.Event{
		Kind:          events.KindRaid,
		ChannelID:     ch.ID,
		ChannelName:   ch.Name,
		TS:            ts,
		SynthesizedTS: synthesized,
		Raid: &events.RaidEvent{
			ChannelID:    ch.ID,
			ChannelName:  ch.Name,
			FromUserID:   u.ID,
			FromUsername: u.Username,
			ViewerCount:  paramInt(m.MsgParams, "msg-param-viewerCount"),
		},
	}
	p.archive.Append(ev)
	p.bus.Publish(ev)
	return nil
}

// frameTime prefers the server-provided timestamp and falls back to
// arrival time when the tag was absent.
func frameTime(serverTime, receivedAt time.Time) (time.Time, bool) {
	if serverTime.IsZero() {
		return receivedAt, true
	}
	return serverTime.UTC(), false
}

// parseBadges splits the raw badges tag ("subscriber/12,vip/1") into
// structured pairs.
func parseBadges(raw string) []events.Badge {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.Badge, 0, len(parts))
	for _, part := range parts {
		name, version, ok := strings.Cut(part, "/")
		if !ok || name == "" {
			continue
		}
		out = append(out, events.Badge{Type: name, Version: version})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func convertEmotes(raw []*twitch.Emote) []events.Emote {
	if len(raw) == 0 {
		return nil
	}
	var out []events.Emote
	for _, e := range raw {
		if e == nil {
			continue
		}
		for _, pos := range e.Positions {
			out = append(out, events.Emote{ID: e.ID, Start: pos.Start, End: pos.End})
		}
	}
	return out
}

func paramInt(params map[string]string, key string) int {
	n, err := strconv.Atoi(params[key])
	if err != nil {
		return 0
	}
	return n
}
