// Package broker front-ends long-lived WebSocket subscribers. Clients join
// per-channel rooms or the global room and receive bus events as JSON
// envelopes; a client that stops reading is force-closed so it can never
// stall dispatch to the others.
package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// DefaultSendBuffer is the per-client outbound queue bound.
const DefaultSendBuffer = 256

const (
	meterTick     = time.Second / meterBuckets
	statsInterval = 10 * time.Second
	resolveWait   = 5 * time.Second
)

// ChannelResolver maps channel names to stable rows. Lookups never
// create rows: a subscriber asking for a name the service has not seen
// is refused rather than allowed to mint channels.
type ChannelResolver interface {
	LookupChannel(ctx context.Context, name string) (models.Channel, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active clients and their room memberships.
type Hub struct {
	logger     logging.Logger
	resolver   ChannelResolver
	bus        *bus.Bus
	meter      *Meter
	sendBuffer int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopped    chan struct{}

	pumps sync.WaitGroup

	mutex       sync.RWMutex
	clients     map[*Client]bool
	rooms       map[int]map[*Client]struct{}
	globalRoom  map[*Client]struct{}
	forceClosed uint64
}

// NewHub creates the hub. Run must be called to start dispatching.
func NewHub(resolver ChannelResolver, b *bus.Bus, logger logging.Logger, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Hub{
		logger:     logger,
		resolver:   resolver,
		bus:        b,
		meter:      NewMeter(),
		sendBuffer: sendBuffer,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		clients:    make(map[*Client]bool),
		rooms:      make(map[int]map[*Client]struct{}),
		globalRoom: make(map[*Client]struct{}),
	}
}

// Run drives registration, bus dispatch and the throughput meter until
// Close is called.
func (h *Hub) Run() {
	defer close(h.stopped)

	sub := h.bus.Subscribe(bus.WithKinds(
		events.KindChatMessage,
		events.KindMessageDeleted,
		events.KindModAction,
		events.KindChannelStatus,
		events.KindMessagesFlushed,
		events.KindMpsSnapshot,
		events.KindChannelMps,
	))
	defer sub.Close()

	meterTicker := time.NewTicker(meterTick)
	defer meterTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	ticks := 0

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client connected")

		case client := <-h.unregister:
			h.removeClient(client, false)

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			h.dispatch(ev)

		case <-meterTicker.C:
			h.meter.Advance()
			ticks++
			if ticks%meterBuckets == 0 {
				h.publishMps()
			}

		case <-statsTicker.C:
			h.broadcastStats()

		case <-h.done:
			return
		}
	}
}

// Close disconnects every client with a clean close code and stops the
// hub loop.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	<-h.stopped

	h.mutex.Lock()
	for client := range h.clients {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		client.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		client.conn.Close()
		client.closeSend()
		delete(h.clients, client)
	}
	h.rooms = make(map[int]map[*Client]struct{})
	h.globalRoom = make(map[*Client]struct{})
	h.mutex.Unlock()

	// Closing the connections unblocks both pumps; their unregister sends
	// fall through to done now that the loop is gone.
	h.pumps.Wait()
}

// ServeWS upgrades an HTTP request into a subscriber connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		logger: h.logger,
		rooms:  make(map[int]struct{}),
	}

	// Add before the register send so Close's wait always observes the
	// pumps of any client that made it into the hub.
	h.pumps.Add(2)
	select {
	case h.register <- client:
	case <-h.done:
		h.pumps.Done()
		h.pumps.Done()
		conn.Close()
		return
	}
	go func() {
		defer h.pumps.Done()
		client.writePump()
	}()
	go func() {
		defer h.pumps.Done()
		client.readPump()
	}()
}

// handleClientRequest processes one inbound envelope from a client.
func (h *Hub) handleClientRequest(c *Client, req clientRequest) {
	switch req.Event {
	case "subscribe":
		names := h.subscribeChannels(c, req.Data.Channels)
		h.confirm(c, "subscribed", map[string]interface{}{"channels": names})
	case "unsubscribe":
		names := h.unsubscribeChannels(c, req.Data.Channels)
		h.confirm(c, "unsubscribed", map[string]interface{}{"channels": names})
	case "subscribe_global":
		h.mutex.Lock()
		h.globalRoom[c] = struct{}{}
		h.mutex.Unlock()
		c.mu.Lock()
		c.global = true
		c.mu.Unlock()
		h.confirm(c, "subscribed_global", map[string]interface{}{})
	case "unsubscribe_global":
		h.mutex.Lock()
		delete(h.globalRoom, c)
		h.mutex.Unlock()
		c.mu.Lock()
		c.global = false
		c.mu.Unlock()
		h.confirm(c, "unsubscribed_global", map[string]interface{}{})
	case "ping":
		h.confirm(c, "pong", map[string]interface{}{})
	default:
		h.logger.WithField("event", req.Event).Warn("Unknown client event")
	}
}

func (h *Hub) subscribeChannels(c *Client, names []string) []string {
	subscribed := make([]string, 0, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), resolveWait)
		ch, err := h.resolver.LookupChannel(ctx, name)
		cancel()
		if err != nil {
			h.logger.WithFields(logging.Fields{
				"channel": name,
				"error":   err.Error(),
			}).Warn("Refused subscription to unknown channel")
			continue
		}

		h.mutex.Lock()
		room, ok := h.rooms[ch.ID]
		if !ok {
			room = make(map[*Client]struct{})
			h.rooms[ch.ID] = room
		}
		room[c] = struct{}{}
		h.mutex.Unlock()

		c.mu.Lock()
		c.rooms[ch.ID] = struct{}{}
		c.mu.Unlock()
		subscribed = append(subscribed, ch.Name)
	}
	return subscribed
}

func (h *Hub) unsubscribeChannels(c *Client, names []string) []string {
	unsubscribed := make([]string, 0, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), resolveWait)
		ch, err := h.resolver.LookupChannel(ctx, name)
		cancel()
		if err != nil {
			continue
		}

		h.mutex.Lock()
		if room, ok := h.rooms[ch.ID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, ch.ID)
			}
		}
		h.mutex.Unlock()

		c.mu.Lock()
		delete(c.rooms, ch.ID)
		c.mu.Unlock()
		unsubscribed = append(unsubscribed, ch.Name)
	}
	return unsubscribed
}

func (h *Hub) confirm(c *Client, event string, data map[string]interface{}) {
	raw := marshalEnvelope(h.logger, event, data, time.Now().UTC())
	if raw == nil {
		return
	}
	if !c.enqueue(raw) {
		h.removeClient(c, true)
	}
}

// dispatch routes one bus event to the matching rooms.
func (h *Hub) dispatch(ev events.Event) {
	switch ev.Kind {
	case events.KindChatMessage:
		h.meter.Record(ev.ChannelID, ev.ChannelName)
		h.fanOut("chat_message", chatMessageData(ev.ChatMessage), ev.TS, ev.ChannelID, true)
	case events.KindMessageDeleted:
		h.fanOut("message_deleted", messageDeletedData(ev.MessageDeleted), ev.TS, ev.ChannelID, true)
	case events.KindModAction:
		// The room audience sees mod_action; global observers get the
		// same payload under global_mod_action.
		data := modActionData(ev.ModAction)
		h.fanOut("mod_action", data, ev.TS, ev.ChannelID, false)
		h.fanOutGlobal("global_mod_action", data, ev.TS)
	case events.KindChannelStatus:
		h.fanOut("channel_status", channelStatusData(ev.ChannelStatus), ev.TS, ev.ChannelID, true)
	case events.KindMessagesFlushed:
		h.fanOutGlobal("messages_flushed", messagesFlushedData(ev.Flushed, ev.TS), ev.TS)
	case events.KindMpsSnapshot:
		h.fanOutGlobal("mps_update", mpsUpdateData(ev.Mps, ev.TS), ev.TS)
	case events.KindChannelMps:
		h.fanOut("channel_mps", channelMpsData(ev.ChannelMps), ev.TS, ev.ChannelID, false)
	}
}

// fanOut delivers to a channel room and, optionally, the global room.
func (h *Hub) fanOut(event string, data map[string]interface{}, ts time.Time, roomID int, includeGlobal bool) {
	raw := marshalEnvelope(h.logger, event, data, ts)
	if raw == nil {
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, 8)
	for client := range h.rooms[roomID] {
		targets = append(targets, client)
	}
	if includeGlobal {
		for client := range h.globalRoom {
			if _, dup := h.rooms[roomID][client]; !dup {
				targets = append(targets, client)
			}
		}
	}
	h.mutex.RUnlock()

	h.deliver(targets, raw)
}

func (h *Hub) fanOutGlobal(event string, data map[string]interface{}, ts time.Time) {
	raw := marshalEnvelope(h.logger, event, data, ts)
	if raw == nil {
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.globalRoom))
	for client := range h.globalRoom {
		targets = append(targets, client)
	}
	h.mutex.RUnlock()

	h.deliver(targets, raw)
}

func (h *Hub) deliver(targets []*Client, raw []byte) {
	var overflowed []*Client
	for _, client := range targets {
		if !client.enqueue(raw) {
			overflowed = append(overflowed, client)
		}
	}
	for _, client := range overflowed {
		h.removeClient(client, true)
	}
}

// removeClient tears down a client's memberships. forced marks a
// slow-consumer eviction.
func (h *Hub) removeClient(c *Client, forced bool) {
	h.mutex.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c)
	delete(h.globalRoom, c)
	rooms, _ := c.roomSnapshot()
	for _, id := range rooms {
		if room, ok := h.rooms[id]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	if forced {
		h.forceClosed++
	}
	count := len(h.clients)
	h.mutex.Unlock()

	c.closeSend()
	h.logger.WithFields(logging.Fields{
		"client_count": count,
		"forced":       forced,
	}).Info("Client disconnected")
}

// publishMps emits the once-per-second throughput snapshots onto the bus.
// They come back through the normal subscription and are dispatched like
// any other event.
func (h *Hub) publishMps() {
	total, perChannel, ids := h.meter.Snapshot()
	now := time.Now().UTC()

	h.bus.Publish(events.Event{
		Kind: events.KindMpsSnapshot,
		TS:   now,
		Mps:  &events.MpsSnapshot{MPS: total, PerChannel: perChannel},
	})
	for name, mps := range perChannel {
		h.bus.Publish(events.Event{
			Kind:        events.KindChannelMps,
			ChannelID:   ids[name],
			ChannelName: name,
			TS:          now,
			ChannelMps:  &events.ChannelMps{ChannelID: ids[name], ChannelName: name, MPS: mps},
		})
	}
}

func (h *Hub) broadcastStats() {
	stats := h.GetStats()
	raw := marshalEnvelope(h.logger, "stats_update", stats, time.Now().UTC())
	if raw == nil {
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		targets = append(targets, client)
	}
	h.mutex.RUnlock()

	h.deliver(targets, raw)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ForceClosed returns how many clients were evicted as slow consumers.
func (h *Hub) ForceClosed() uint64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.forceClosed
}

// GetStats reports hub state for the stats endpoint and stats_update.
func (h *Hub) GetStats() map[string]interface{} {
	total, perChannel, _ := h.meter.Snapshot()

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	roomSizes := make(map[int]int, len(h.rooms))
	for id, room := range h.rooms {
		roomSizes[id] = len(room)
	}
	return map[string]interface{}{
		"total_clients":      len(h.clients),
		"global_subscribers": len(h.globalRoom),
		"rooms":              roomSizes,
		"force_closed":       h.forceClosed,
		"mps":                total,
		"channel_mps":        perChannel,
	}
}
