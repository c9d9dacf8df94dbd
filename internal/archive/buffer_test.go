package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

type fakeStore struct {
	mu       sync.Mutex
	batches  [][]events.Event
	failures int
}

func (f *fakeStore) CommitBatch(_ context.Context, batch []events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("database unavailable")
	}
	cp := make([]events.Event, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStore) committed() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func chatEvent(wireID, username, channel string) events.Event {
	return events.Event{
		Kind:        events.KindChatMessage,
		ChannelID:   1,
		ChannelName: channel,
		TS:          time.Now().UTC(),
		ChatMessage: &events.ChatMessage{
			WireID:      wireID,
			ChannelID:   1,
			ChannelName: channel,
			UserID:      7,
			Username:    username,
			Text:        "hello",
		},
	}
}

func modEvent() events.Event {
	return events.Event{
		Kind:      events.KindModAction,
		ChannelID: 1,
		TS:        time.Now().UTC(),
		ModAction: &events.ModAction{ChannelID: 1, TargetUserID: 7, Kind: events.ActionBan},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFlushAtBatchSize(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchAge = time.Hour
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())
	defer buf.Close(context.Background())

	buf.Append(chatEvent("a", "bob", "forsen"))
	buf.Append(chatEvent("b", "bob", "forsen"))
	// Two events are below the size trigger and the age trigger is far
	// away, so nothing commits yet.
	time.Sleep(50 * time.Millisecond)
	if n := len(store.committed()); n != 0 {
		t.Fatalf("committed %d events before batch filled", n)
	}

	buf.Append(chatEvent("c", "bob", "forsen"))
	waitFor(t, func() bool { return len(store.committed()) == 3 }, "batch never committed at size boundary")
}

func TestFlushAtBatchAge(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 500
	cfg.BatchAge = 30 * time.Millisecond
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())
	defer buf.Close(context.Background())

	buf.Append(chatEvent("a", "bob", "forsen"))
	waitFor(t, func() bool { return len(store.committed()) == 1 }, "partial batch never aged out")
}

func TestCommitRetriesUntilSuccess(t *testing.T) {
	store := &fakeStore{failures: 2}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.RetryBase = 5 * time.Millisecond
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())
	defer buf.Close(context.Background())

	buf.Append(chatEvent("a", "bob", "forsen"))
	waitFor(t, func() bool { return len(store.committed()) == 1 }, "batch never committed after failures")

	stats := buf.Stats()
	if stats.FlushErrors != 2 {
		t.Fatalf("flush errors = %d, want 2", stats.FlushErrors)
	}
	if stats.Retrying {
		t.Fatal("still marked retrying after successful commit")
	}
	if stats.Dropped != 0 {
		t.Fatalf("dropped = %d, want 0", stats.Dropped)
	}
}

func TestFlushNowDrainsBacklog(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchAge = time.Hour
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())
	defer buf.Close(context.Background())

	for i := 0; i < 5; i++ {
		buf.Append(modEvent())
	}
	if err := buf.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if n := len(store.committed()); n != 5 {
		t.Fatalf("committed %d events, want 5", n)
	}
	if buf.Stats().Buffered != 0 {
		t.Fatal("backlog not empty after FlushNow")
	}
}

func TestBackpressureShedsOldestChatMessageOnly(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchSize = 500
	cfg.BatchAge = time.Hour
	cfg.MaxBacklog = 3
	cfg.AppendWait = 5 * time.Millisecond
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())

	buf.Append(chatEvent("a", "bob", "forsen"))
	buf.Append(chatEvent("b", "bob", "forsen"))
	buf.Append(modEvent())
	// Backlog is full; the next append sheds the oldest chat message, not
	// the mod action.
	buf.Append(chatEvent("c", "bob", "forsen"))

	if got := buf.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	if err := buf.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	var wireIDs []string
	mods := 0
	for _, ev := range store.committed() {
		switch ev.Kind {
		case events.KindChatMessage:
			wireIDs = append(wireIDs, ev.ChatMessage.WireID)
		case events.KindModAction:
			mods++
		}
	}
	if mods != 1 {
		t.Fatalf("mod actions committed = %d, want 1", mods)
	}
	if len(wireIDs) != 2 || wireIDs[0] != "b" || wireIDs[1] != "c" {
		t.Fatalf("surviving messages = %v, want [b c]", wireIDs)
	}
	_ = buf.Close(context.Background())
}

func TestFlushEventSummarizesBatch(t *testing.T) {
	store := &fakeStore{}
	eventBus := bus.New(logging.NewLogger(), 16)
	defer eventBus.Close()
	sub := eventBus.Subscribe(bus.WithKinds(events.KindMessagesFlushed))

	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.BatchAge = time.Hour
	buf := NewBuffer(cfg, store, eventBus, logging.NewLogger())
	defer buf.Close(context.Background())

	buf.Append(chatEvent("a", "Bob", "Forsen"))
	buf.Append(chatEvent("b", "BOB", "forsen"))
	buf.Append(modEvent())

	select {
	case ev := <-sub.C():
		f := ev.Flushed
		if f == nil {
			t.Fatal("flushed payload missing")
		}
		if f.Count != 3 {
			t.Fatalf("count = %d, want the full batch size 3", f.Count)
		}
		if len(f.Usernames) != 1 || f.Usernames[0] != "bob" {
			t.Fatalf("usernames = %v, want [bob]", f.Usernames)
		}
		if len(f.Channels) != 1 || f.Channels[0] != "forsen" {
			t.Fatalf("channels = %v, want [forsen]", f.Channels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no messages_flushed event published")
	}
}

func TestFlushEventPublishedForModOnlyBatch(t *testing.T) {
	store := &fakeStore{}
	eventBus := bus.New(logging.NewLogger(), 16)
	defer eventBus.Close()
	sub := eventBus.Subscribe(bus.WithKinds(events.KindMessagesFlushed))

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.BatchAge = time.Hour
	buf := NewBuffer(cfg, store, eventBus, logging.NewLogger())
	defer buf.Close(context.Background())

	buf.Append(modEvent())
	buf.Append(modEvent())

	select {
	case ev := <-sub.C():
		f := ev.Flushed
		if f == nil {
			t.Fatal("flushed payload missing")
		}
		if f.Count != 2 {
			t.Fatalf("count = %d, want 2", f.Count)
		}
		if len(f.Usernames) != 0 || len(f.Channels) != 0 {
			t.Fatalf("summary fields = %v/%v, want empty for a batch with no chat messages", f.Usernames, f.Channels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no messages_flushed event for a mod-action-only batch")
	}
}

func TestCloseFlushesRemaining(t *testing.T) {
	store := &fakeStore{}
	cfg := DefaultConfig()
	cfg.BatchAge = time.Hour
	buf := NewBuffer(cfg, store, nil, logging.NewLogger())

	buf.Append(chatEvent("a", "bob", "forsen"))
	if err := buf.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := len(store.committed()); n != 1 {
		t.Fatalf("committed %d events on close, want 1", n)
	}
}
