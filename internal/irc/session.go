// Package irc maintains the connection to Twitch chat. The session owns a
// single IRC client, reconnects with backoff when the connection drops and
// hands raw frames to the parser through a bounded queue so a slow
// downstream can never stall the socket reader.
package irc

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v3"

	"github.com/AwwCookies/Chatterbox-sub000/internal/registry"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

// Frame is a raw IRC message captured off the socket, stamped with its
// arrival time. Exactly one pointer is non-nil.
type Frame struct {
	ReceivedAt time.Time

	Privmsg    *twitch.PrivateMessage
	ClearChat  *twitch.ClearChatMessage
	Clear      *twitch.ClearMessage
	UserNotice *twitch.UserNoticeMessage
}

// Config holds IRC credentials and tuning.
type Config struct {
	// Username and Token authenticate the session. When both are empty
	// the session connects anonymously (read-only justinfan login).
	Username string
	Token    string

	// QueueSize bounds the frame handoff queue to the parser.
	QueueSize int

	// ReconnectBase and ReconnectMax bound the reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		QueueSize:     8192,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// Session is the managed IRC connection.
type Session struct {
	cfg    Config
	logger logging.Logger
	client *twitch.Client

	frames chan Frame

	mu     sync.Mutex
	joined map[string]bool

	state         atomic.Value // State
	droppedFrames atomic.Uint64
	reconnects    atomic.Uint64
	closed        atomic.Bool
	closing       chan struct{}
	stopped       chan struct{}
}

// NewSession builds the session and its client. Run must be called to
// connect.
func NewSession(cfg Config, logger logging.Logger) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultConfig().ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultConfig().ReconnectMax
	}

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		frames:  make(chan Frame, cfg.QueueSize),
		joined:  make(map[string]bool),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.state.Store(StateDisconnected)

	if cfg.Username != "" && cfg.Token != "" {
		s.client = twitch.NewClient(cfg.Username, cfg.Token)
	} else {
		s.client = twitch.NewAnonymousClient()
		logger.Info("No IRC credentials configured, connecting anonymously")
	}
	s.client.Capabilities = []string{twitch.TagsCapability, twitch.CommandsCapability}

	s.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		s.enqueue(Frame{ReceivedAt: time.Now().UTC(), Privmsg: &m})
	})
	s.client.OnClearChatMessage(func(m twitch.ClearChatMessage) {
		s.enqueue(Frame{ReceivedAt: time.Now().UTC(), ClearChat: &m})
	})
	s.client.OnClearMessage(func(m twitch.ClearMessage) {
		s.enqueue(Frame{ReceivedAt: time.Now().UTC(), Clear: &m})
	})
	s.client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		s.enqueue(Frame{ReceivedAt: time.Now().UTC(), UserNotice: &m})
	})
	s.client.OnConnect(func() {
		s.state.Store(StateConnected)
		s.logger.WithField("channels", len(s.channels())).Info("Connected to Twitch IRC")
	})

	return s
}

// Frames returns the raw frame stream consumed by the parser.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// DroppedFrames reports frames shed because the parser fell behind.
func (s *Session) DroppedFrames() uint64 {
	return s.droppedFrames.Load()
}

// Reconnects reports how many times the connection was re-established.
func (s *Session) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Run connects and blocks until Close is called, reconnecting with
// exponential backoff and jitter whenever the connection drops. The client
// rejoins its channel set on every reconnect.
func (s *Session) Run(intents <-chan registry.Intent) {
	defer close(s.stopped)
	go s.consumeIntents(intents)

	backoff := s.cfg.ReconnectBase
	for {
		s.state.Store(StateConnecting)
		s.state.Store(StateAuthenticating)
		err := s.client.Connect()
		s.state.Store(StateDisconnected)

		if s.closed.Load() || errors.Is(err, twitch.ErrClientDisconnected) {
			return
		}

		delay := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		s.logger.WithFields(logging.Fields{
			"error": err.Error(),
			"delay": delay.String(),
		}).Warn("IRC connection lost, reconnecting")
		s.reconnects.Add(1)

		select {
		case <-time.After(delay):
		case <-s.closing:
			return
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// Close disconnects and stops the session. Frames already queued remain
// readable until the channel drains.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closing)
	err := s.client.Disconnect()
	<-s.stopped
	return err
}

// Join adds a channel to the session.
func (s *Session) Join(channel string) {
	s.mu.Lock()
	s.joined[channel] = true
	s.mu.Unlock()
	s.client.Join(channel)
}

// Part removes a channel from the session.
func (s *Session) Part(channel string) {
	s.mu.Lock()
	delete(s.joined, channel)
	s.mu.Unlock()
	s.client.Depart(channel)
}

// Rejoin cycles a channel's membership, which clears a stale join after
// Twitch-side hiccups.
func (s *Session) Rejoin(channel string) {
	s.client.Depart(channel)
	s.client.Join(channel)
}

func (s *Session) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for ch := range s.joined {
		out = append(out, ch)
	}
	return out
}

func (s *Session) consumeIntents(intents <-chan registry.Intent) {
	for in := range intents {
		switch in.Op {
		case registry.OpJoin:
			s.logger.WithField("channel", in.Channel).Info("Joining channel")
			s.Join(in.Channel)
		case registry.OpPart:
			s.logger.WithField("channel", in.Channel).Info("Parting channel")
			s.Part(in.Channel)
		}
	}
}

// enqueue hands a frame to the parser, shedding it when the queue is full.
func (s *Session) enqueue(f Frame) {
	select {
	case s.frames <- f:
	default:
		s.droppedFrames.Add(1)
	}
}
