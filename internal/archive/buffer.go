// Package archive is the write-behind persistence layer. Events are
// appended to an in-memory backlog and committed to Postgres in batches by
// a single committer goroutine, so a slow or unavailable database never
// blocks the ingest path.
package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// Config tunes the buffer.
type Config struct {
	// BatchSize triggers an immediate flush when the backlog reaches it.
	BatchSize int
	// BatchAge flushes whatever is buffered after this much time, so a
	// quiet period never strands a partial batch.
	BatchAge time.Duration
	// MaxBacklog caps the in-memory backlog across commit retries.
	MaxBacklog int
	// RetryBase and RetryMax bound the commit retry backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
	// AppendWait is how long Append blocks on a full backlog before
	// shedding load.
	AppendWait time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:  500,
		BatchAge:   2 * time.Second,
		MaxBacklog: 50_000,
		RetryBase:  100 * time.Millisecond,
		RetryMax:   10 * time.Second,
		AppendWait: 100 * time.Millisecond,
	}
}

// Stats is a point-in-time snapshot of buffer state.
type Stats struct {
	Buffered     int       `json:"buffered"`
	Dropped      uint64    `json:"dropped"`
	FlushErrors  uint64    `json:"flush_errors"`
	FlushedTotal uint64    `json:"flushed_total"`
	LastFlushAt  time.Time `json:"last_flush_at"`
	Retrying     bool      `json:"retrying"`
}

// Buffer batches events and commits them through a Store. A single
// committer goroutine owns all database writes, so batches are applied in
// append order.
type Buffer struct {
	cfg    Config
	store  Store
	bus    *bus.Bus
	logger logging.Logger

	mu      sync.Mutex
	backlog []events.Event
	space   chan struct{} // signalled when backlog shrinks

	wake     chan struct{}
	flushReq chan chan error
	done     chan struct{}
	stopped  chan struct{}

	dropped      atomic.Uint64
	flushErrors  atomic.Uint64
	flushedTotal atomic.Uint64
	retrying     atomic.Bool
	lastFlush    atomic.Int64 // unix nanos
}

// NewBuffer creates the buffer and starts its committer.
func NewBuffer(cfg Config, store Store, b *bus.Bus, logger logging.Logger) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchAge <= 0 {
		cfg.BatchAge = DefaultConfig().BatchAge
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = DefaultConfig().MaxBacklog
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultConfig().RetryMax
	}

	buf := &Buffer{
		cfg:      cfg,
		store:    store,
		bus:      b,
		logger:   logger,
		space:    make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go buf.run()
	return buf
}

// Append queues an event for persistence. When the backlog is full it
// blocks briefly for the committer to catch up, then sheds the oldest chat
// message. Moderator actions and monetization events are never shed.
func (b *Buffer) Append(ev events.Event) {
	b.mu.Lock()
	if len(b.backlog) >= b.cfg.MaxBacklog {
		b.mu.Unlock()
		select {
		case <-b.space:
		case <-time.After(b.cfg.AppendWait):
		case <-b.done:
			return
		}
		b.mu.Lock()
		if len(b.backlog) >= b.cfg.MaxBacklog {
			b.shedLocked()
		}
	}
	b.backlog = append(b.backlog, ev)
	n := len(b.backlog)
	b.mu.Unlock()

	if n >= b.cfg.BatchSize {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// shedLocked drops the oldest chat message from the backlog. If the
// backlog holds no chat messages the newest entry would have to go, which
// never happens in practice: mod actions are a tiny fraction of traffic.
func (b *Buffer) shedLocked() {
	for i, ev := range b.backlog {
		if ev.Kind == events.KindChatMessage {
			b.backlog = append(b.backlog[:i], b.backlog[i+1:]...)
			b.dropped.Add(1)
			return
		}
	}
}

// FlushNow drains the entire backlog synchronously. Used on shutdown and
// by the admin flush endpoint.
func (b *Buffer) FlushNow(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.flushReq <- reply:
	case <-b.stopped:
		return fmt.Errorf("archive buffer is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes remaining events and stops the committer. The context
// bounds how long the final flush may take.
func (b *Buffer) Close(ctx context.Context) error {
	err := b.FlushNow(ctx)
	close(b.done)
	select {
	case <-b.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Stats reports buffer state for /stats and health checks.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	buffered := len(b.backlog)
	b.mu.Unlock()
	var last time.Time
	if ns := b.lastFlush.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Buffered:     buffered,
		Dropped:      b.dropped.Load(),
		FlushErrors:  b.flushErrors.Load(),
		FlushedTotal: b.flushedTotal.Load(),
		LastFlushAt:  last,
		Retrying:     b.retrying.Load(),
	}
}

// InRetry reports whether the committer is currently stuck retrying a
// batch. The health endpoint degrades on this.
func (b *Buffer) InRetry() bool {
	return b.retrying.Load()
}

func (b *Buffer) run() {
	defer close(b.stopped)
	ticker := time.NewTicker(b.cfg.BatchAge)
	defer ticker.Stop()

	for {
		select {
		case <-b.wake:
			b.flushOnce()
		case <-ticker.C:
			b.flushOnce()
		case reply := <-b.flushReq:
			reply <- b.drain()
		case <-b.done:
			return
		}
	}
}

// flushOnce commits at most one batch.
func (b *Buffer) flushOnce() {
	batch := b.take(b.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	b.commit(batch)
}

// drain commits until the backlog is empty.
func (b *Buffer) drain() error {
	for {
		batch := b.take(b.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := b.commit(batch); err != nil {
			return err
		}
	}
}

func (b *Buffer) take(n int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backlog) == 0 {
		return nil
	}
	if n > len(b.backlog) {
		n = len(b.backlog)
	}
	batch := make([]events.Event, n)
	copy(batch, b.backlog)
	b.backlog = b.backlog[n:]
	select {
	case b.space <- struct{}{}:
	default:
	}
	return batch
}

// commit retries with exponential backoff until the batch lands or the
// buffer is shut down. The batch is idempotent on replay, so a commit that
// succeeded server-side but failed client-side is safe to retry.
func (b *Buffer) commit(batch []events.Event) error {
	delay := b.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := b.store.CommitBatch(ctx, batch)
		cancel()
		if err == nil {
			b.retrying.Store(false)
			b.flushedTotal.Add(uint64(len(batch)))
			b.lastFlush.Store(time.Now().UnixNano())
			b.publishFlushed(batch)
			if attempt > 1 {
				b.logger.WithFields(logging.Fields{
					"attempts": attempt,
					"events":   len(batch),
				}).Info("Archive batch committed after retries")
			}
			return nil
		}

		b.flushErrors.Add(1)
		b.retrying.Store(true)
		b.logger.WithFields(logging.Fields{
			"attempt": attempt,
			"events":  len(batch),
			"delay":   delay.String(),
			"error":   err.Error(),
		}).Warn("Archive batch commit failed, retrying")

		select {
		case <-time.After(delay):
		case <-b.done:
			b.logger.WithField("events", len(batch)).Error("Shutting down with uncommitted archive batch")
			return err
		}
		delay *= 2
		if delay > b.cfg.RetryMax {
			delay = b.cfg.RetryMax
		}
	}
}

// publishFlushed emits a messages_flushed event summarizing the committed
// batch so cache layers downstream can invalidate.
func (b *Buffer) publishFlushed(batch []events.Event) {
	if b.bus == nil {
		return
	}

	channelIDs := make(map[int]struct{})
	userIDs := make(map[int]struct{})
	usernames := make(map[string]struct{})
	channels := make(map[string]struct{})
	for _, ev := range batch {
		if ev.Kind != events.KindChatMessage || ev.ChatMessage == nil {
			continue
		}
		m := ev.ChatMessage
		channelIDs[m.ChannelID] = struct{}{}
		userIDs[m.UserID] = struct{}{}
		usernames[strings.ToLower(m.Username)] = struct{}{}
		channels[strings.ToLower(m.ChannelName)] = struct{}{}
	}

	// Every committed batch produces exactly one event; Count is the
	// whole batch, not just the chat messages in it.
	b.bus.Publish(events.Event{
		Kind: events.KindMessagesFlushed,
		TS:   time.Now().UTC(),
		Flushed: &events.MessagesFlushed{
			ChannelIDs: sortedInts(channelIDs),
			UserIDs:    sortedInts(userIDs),
			Usernames:  sortedStrings(usernames),
			Channels:   sortedStrings(channels),
			Count:      len(batch),
		},
	})
}

func sortedInts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
