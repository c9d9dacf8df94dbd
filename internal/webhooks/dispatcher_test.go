package webhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

type fakeWebhookStore struct {
	mu   sync.Mutex
	regs map[int]*models.WebhookRegistration
}

func newFakeWebhookStore(regs ...models.WebhookRegistration) *fakeWebhookStore {
	f := &fakeWebhookStore{regs: make(map[int]*models.WebhookRegistration)}
	for i := range regs {
		reg := regs[i]
		f.regs[reg.ID] = &reg
	}
	return f
}

func (f *fakeWebhookStore) List(_ context.Context) ([]models.WebhookRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.WebhookRegistration, 0, len(f.regs))
	for _, reg := range f.regs {
		out = append(out, *reg)
	}
	return out, nil
}

func (f *fakeWebhookStore) Create(_ context.Context, reg models.WebhookRegistration) (models.WebhookRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg.ID = len(f.regs) + 1
	f.regs[reg.ID] = &reg
	return reg, nil
}

func (f *fakeWebhookStore) Delete(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regs, id)
	return nil
}

func (f *fakeWebhookStore) SetEnabled(_ context.Context, id int, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg := f.regs[id]
	reg.Enabled = enabled
	if enabled {
		reg.Muted = false
		reg.ConsecutiveFailures = 0
	}
	return nil
}

func (f *fakeWebhookStore) RecordSuccess(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg := f.regs[id]
	reg.TriggerCount++
	now := time.Now().UTC()
	reg.LastTriggeredAt = &now
	reg.ConsecutiveFailures = 0
	return nil
}

func (f *fakeWebhookStore) RecordFailure(_ context.Context, id, threshold int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg := f.regs[id]
	reg.ConsecutiveFailures++
	if reg.ConsecutiveFailures >= threshold {
		reg.Muted = true
	}
	return reg.ConsecutiveFailures, reg.Muted, nil
}

func (f *fakeWebhookStore) get(id int) models.WebhookRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.regs[id]
}

func trackedReg(id int, url string, usernames ...string) models.WebhookRegistration {
	return models.WebhookRegistration{
		ID:      id,
		Kind:    models.WebhookTrackedUserMessage,
		Filter:  models.WebhookFilter{TrackedUsernames: usernames},
		URL:     url,
		Enabled: true,
	}
}

func trackedEvent(username string) events.Event {
	return events.Event{
		Kind:      events.KindChatMessage,
		ChannelID: 1,
		TS:        time.Now().UTC(),
		ChatMessage: &events.ChatMessage{
			ChannelID:   1,
			ChannelName: "forsen",
			Username:    username,
			Text:        "hello",
		},
	}
}

func testDispatcher(t *testing.T, store Store, cfg Config) (*Dispatcher, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(logging.NewLogger(), 64)
	t.Cleanup(eventBus.Close)
	d := NewDispatcher(cfg, store, eventBus, logging.NewLogger())
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d, eventBus
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMatchedEventDeliversOnce(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeWebhookStore(trackedReg(1, srv.URL, "bob"))
	_, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond})

	eventBus.Publish(trackedEvent("bob"))
	eventBus.Publish(trackedEvent("alice")) // not tracked

	waitFor(t, func() bool { return store.get(1).TriggerCount == 1 }, "trigger_count never reached 1")
	time.Sleep(50 * time.Millisecond)
	if n := posts.Load(); n != 1 {
		t.Fatalf("POST count = %d, want 1", n)
	}
	reg := store.get(1)
	if reg.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0", reg.ConsecutiveFailures)
	}
	if reg.LastTriggeredAt == nil {
		t.Fatal("last_triggered_at not set")
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeWebhookStore(trackedReg(1, srv.URL, "bob"))
	_, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond})

	eventBus.Publish(trackedEvent("bob"))

	waitFor(t, func() bool { return store.get(1).TriggerCount == 1 }, "delivery never succeeded after retry")
	if n := posts.Load(); n != 2 {
		t.Fatalf("POST count = %d, want 2", n)
	}
}

func TestPermanentClientErrorNotRetried(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := newFakeWebhookStore(trackedReg(1, srv.URL, "bob"))
	_, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond})

	eventBus.Publish(trackedEvent("bob"))

	waitFor(t, func() bool { return store.get(1).ConsecutiveFailures == 1 }, "failure never recorded")
	time.Sleep(50 * time.Millisecond)
	if n := posts.Load(); n != 1 {
		t.Fatalf("POST count = %d, want 1 (404 must not retry)", n)
	}
	if store.get(1).TriggerCount != 0 {
		t.Fatal("trigger_count incremented on failure")
	}
}

func TestAutoMuteAfterConsecutiveFailures(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := newFakeWebhookStore(trackedReg(1, srv.URL, "bob"))
	d, eventBus := testDispatcher(t, store, Config{
		RetryBase:     5 * time.Millisecond,
		MuteThreshold: 2,
		PerURLRate:    1000,
	})
	muteSub := eventBus.Subscribe(bus.WithKinds(events.KindWebhookMuted))

	eventBus.Publish(trackedEvent("bob"))
	waitFor(t, func() bool { return store.get(1).ConsecutiveFailures == 1 }, "first failure not recorded")
	eventBus.Publish(trackedEvent("bob"))
	waitFor(t, func() bool { return store.get(1).Muted }, "registration never muted")

	select {
	case ev := <-muteSub.C():
		if ev.WebhookMuted == nil || ev.WebhookMuted.WebhookID != 1 || ev.WebhookMuted.Failures != 2 {
			t.Fatalf("mute event = %+v", ev.WebhookMuted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook_auto_muted event published")
	}

	// Muted registrations receive nothing further.
	before := posts.Load()
	eventBus.Publish(trackedEvent("bob"))
	time.Sleep(100 * time.Millisecond)
	if posts.Load() != before {
		t.Fatal("muted registration still received deliveries")
	}
	if d.Stats().AutoMuted != 1 {
		t.Fatalf("auto_muted = %d, want 1", d.Stats().AutoMuted)
	}
}

func TestMutedRegistrationEvaluatedButNotDelivered(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	muted := trackedReg(1, srv.URL, "bob")
	muted.Muted = true
	store := newFakeWebhookStore(muted)
	d, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond})

	eventBus.Publish(trackedEvent("bob"))
	eventBus.Publish(trackedEvent("alice")) // does not match the filter

	waitFor(t, func() bool { return d.Stats().Matched == 1 }, "match never counted for muted registration")
	time.Sleep(50 * time.Millisecond)
	if n := posts.Load(); n != 0 {
		t.Fatalf("POST count = %d, want 0 for a muted registration", n)
	}
	if store.get(1).TriggerCount != 0 {
		t.Fatal("trigger_count advanced without a delivery")
	}
}

func TestPerRegistrationIsolation(t *testing.T) {
	release := make(chan struct{})
	var slowPosts, fastPosts atomic.Int64
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		slowPosts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer slowSrv.Close()
	fastSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fastPosts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer fastSrv.Close()

	store := newFakeWebhookStore(
		trackedReg(1, slowSrv.URL, "bob"),
		trackedReg(2, fastSrv.URL, "bob"),
	)
	_, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond, PerURLRate: 1000})

	for i := 0; i < 3; i++ {
		eventBus.Publish(trackedEvent("bob"))
	}

	// The stalled destination must not hold back the healthy one.
	waitFor(t, func() bool { return fastPosts.Load() == 3 }, "fast destination starved by slow one")
	close(release)
	waitFor(t, func() bool { return slowPosts.Load() == 3 }, "slow destination never drained")
}

func TestPerURLRatePacing(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeWebhookStore(trackedReg(1, srv.URL, "bob"))
	// 10 rps gives a 100ms floor between requests.
	_, eventBus := testDispatcher(t, store, Config{RetryBase: 5 * time.Millisecond, PerURLRate: 10})

	start := time.Now()
	for i := 0; i < 4; i++ {
		eventBus.Publish(trackedEvent("bob"))
	}
	waitFor(t, func() bool { return posts.Load() == 4 }, "not all deliveries completed")
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("4 deliveries finished in %v, pacing not applied", elapsed)
	}
}
