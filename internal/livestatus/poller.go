// Package livestatus polls the Twitch Helix streams API for the active
// channel set and turns live/offline/game transitions into channel_status
// bus events. Without API credentials the poller stays disabled.
package livestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/internal/identity"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

const (
	helixStreamsURL = "https://api.twitch.tv/helix/streams"
	oauthTokenURL   = "https://id.twitch.tv/oauth2/token"

	// Helix caps user_login parameters per request.
	loginsPerRequest = 100
)

// Config holds Helix credentials and tuning.
type Config struct {
	ClientID     string
	ClientSecret string
	Interval     time.Duration
}

// Enabled reports whether credentials were provided.
func (c Config) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// ChannelLister supplies the channel set to poll.
type ChannelLister interface {
	ActiveChannels() []string
}

// streamState is what we remember about a live channel between polls.
type streamState struct {
	GameName    string
	Title       string
	ViewerCount int
}

// Poller drives the polling loop.
type Poller struct {
	cfg      Config
	channels ChannelLister
	resolver *identity.Resolver
	bus      *bus.Bus
	logger   logging.Logger
	client   *http.Client

	token       string
	tokenExpiry time.Time
	live        map[string]streamState
}

// NewPoller builds the poller. Run is a no-op when credentials are absent.
func NewPoller(cfg Config, channels ChannelLister, resolver *identity.Resolver, b *bus.Bus, logger logging.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Poller{
		cfg:      cfg,
		channels: channels,
		resolver: resolver,
		bus:      b,
		logger:   logger,
		client:   &http.Client{Timeout: 15 * time.Second},
		live:     make(map[string]streamState),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled() {
		p.logger.Info("Helix credentials not configured, live-status polling disabled")
		return
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	logins := p.channels.ActiveChannels()
	if len(logins) == 0 {
		return
	}

	current, err := p.fetchStreams(ctx, logins)
	if err != nil {
		p.logger.WithField("error", err.Error()).Warn("Helix poll failed")
		return
	}

	for _, tr := range diffStates(p.live, current) {
		p.publish(ctx, tr)
	}
	p.live = current
}

// transition is one observed state change.
type transition struct {
	Channel    string
	Transition string // live, offline, game_change
	State      streamState
}

// diffStates compares consecutive polls. A channel present only in cur
// went live; only in prev went offline; in both with a different game
// changed game.
func diffStates(prev, cur map[string]streamState) []transition {
	var out []transition
	for name, state := range cur {
		old, wasLive := prev[name]
		switch {
		case !wasLive:
			out = append(out, transition{Channel: name, Transition: "live", State: state})
		case old.GameName != state.GameName:
			out = append(out, transition{Channel: name, Transition: "game_change", State: state})
		}
	}
	for name, old := range prev {
		if _, stillLive := cur[name]; !stillLive {
			out = append(out, transition{Channel: name, Transition: "offline", State: old})
		}
	}
	return out
}

func (p *Poller) publish(ctx context.Context, tr transition) {
	ch, err := p.resolver.ResolveChannel(ctx, tr.Channel, "")
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"channel": tr.Channel,
			"error":   err.Error(),
		}).Warn("Failed to resolve channel for status event")
		return
	}

	p.logger.WithFields(logging.Fields{
		"channel":    ch.Name,
		"transition": tr.Transition,
	}).Info("Channel status change")

	p.bus.Publish(events.Event{
		Kind:        events.KindChannelStatus,
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		TS:          time.Now().UTC(),
		ChannelStatus: &events.ChannelStatus{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			Live:        tr.Transition != "offline",
			GameName:    tr.State.GameName,
			Title:       tr.State.Title,
			ViewerCount: tr.State.ViewerCount,
			Transition:  tr.Transition,
		},
	})
}

type helixStream struct {
	UserLogin   string `json:"user_login"`
	GameName    string `json:"game_name"`
	Title       string `json:"title"`
	ViewerCount int    `json:"viewer_count"`
}

func (p *Poller) fetchStreams(ctx context.Context, logins []string) (map[string]streamState, error) {
	out := make(map[string]streamState)
	for start := 0; start < len(logins); start += loginsPerRequest {
		end := start + loginsPerRequest
		if end > len(logins) {
			end = len(logins)
		}
		if err := p.fetchPage(ctx, logins[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Poller) fetchPage(ctx context.Context, logins []string, out map[string]streamState) error {
	token, err := p.appToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{}
	for _, login := range logins {
		params.Add("user_login", login)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixStreamsURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", p.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token expired early; drop it and let the next poll refresh.
		p.token = ""
		return fmt.Errorf("helix token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix streams returned %d", resp.StatusCode)
	}

	var body struct {
		Data []helixStream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode helix response: %w", err)
	}
	for _, s := range body.Data {
		out[strings.ToLower(s.UserLogin)] = streamState{
			GameName:    s.GameName,
			Title:       s.Title,
			ViewerCount: s.ViewerCount,
		}
	}
	return nil
}

func (p *Poller) appToken(ctx context.Context) (string, error) {
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	form := url.Values{
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oauthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch app token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	p.token = body.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}
