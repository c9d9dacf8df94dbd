package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

type fakeStore struct {
	mu           sync.Mutex
	channelCalls int
	userCalls    int
	lookupCalls  int
	failures     int
	channels     map[string]models.Channel
	users        map[string]models.User
	nextID       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		channels: make(map[string]models.Channel),
		users:    make(map[string]models.User),
	}
}

func (f *fakeStore) UpsertChannel(_ context.Context, name, displayName, twitchID string) (models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channelCalls++
	if f.failures > 0 {
		f.failures--
		return models.Channel{}, errors.New("store unavailable")
	}
	ch, ok := f.channels[name]
	if !ok {
		f.nextID++
		ch = models.Channel{ID: f.nextID, Name: name, Active: true}
	}
	if displayName != "" {
		ch.DisplayName = displayName
	}
	if ch.TwitchID == "" {
		ch.TwitchID = twitchID
	}
	f.channels[name] = ch
	return ch, nil
}

func (f *fakeStore) UpsertUser(_ context.Context, username, displayName, twitchID string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	if f.failures > 0 {
		f.failures--
		return models.User{}, errors.New("store unavailable")
	}
	u, ok := f.users[username]
	if !ok {
		f.nextID++
		u = models.User{ID: f.nextID, Username: username}
	}
	if displayName != "" {
		u.DisplayName = displayName
	}
	if u.TwitchID == "" {
		u.TwitchID = twitchID
	}
	f.users[username] = u
	return u, nil
}

func (f *fakeStore) GetChannelByName(_ context.Context, name string) (models.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	ch, ok := f.channels[name]
	if !ok {
		return models.Channel{}, errors.New("channel not known")
	}
	return ch, nil
}

func newTestResolver(t *testing.T, store Store) *Resolver {
	t.Helper()
	r, err := NewResolver(store, logging.NewLogger(), 128)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveUserCaches(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	first, err := r.ResolveUser(context.Background(), "Bob", "Bob", "")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if first.Username != "bob" {
		t.Fatalf("username not lowercased: %q", first.Username)
	}

	second, err := r.ResolveUser(context.Background(), "BOB", "", "")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ids differ: %d vs %d", first.ID, second.ID)
	}
	if store.userCalls != 1 {
		t.Fatalf("store consulted %d times, want 1", store.userCalls)
	}
}

func TestResolveUserTwitchIDUpgrade(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	if _, err := r.ResolveUser(context.Background(), "bob", "", ""); err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}

	// A later observation carrying a twitch id writes through the cache.
	u, err := r.ResolveUser(context.Background(), "bob", "", "42")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if u.TwitchID != "42" {
		t.Fatalf("twitch id not upgraded: %q", u.TwitchID)
	}
	if store.userCalls != 2 {
		t.Fatalf("store consulted %d times, want 2", store.userCalls)
	}

	// Once set, further observations never hit the store again.
	if _, err := r.ResolveUser(context.Background(), "bob", "", "43"); err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if store.userCalls != 2 {
		t.Fatalf("store consulted %d times after upgrade, want 2", store.userCalls)
	}
	if got := store.users["bob"].TwitchID; got != "42" {
		t.Fatalf("twitch id overwritten: %q", got)
	}
}

func TestResolveChannelRetriesOnce(t *testing.T) {
	store := newFakeStore()
	store.failures = 1
	r := newTestResolver(t, store)

	ch, err := r.ResolveChannel(context.Background(), "forsen", "")
	if err != nil {
		t.Fatalf("ResolveChannel after single failure: %v", err)
	}
	if ch.Name != "forsen" {
		t.Fatalf("unexpected channel %+v", ch)
	}
	if store.channelCalls != 2 {
		t.Fatalf("store consulted %d times, want 2", store.channelCalls)
	}
}

func TestResolveChannelBubblesPersistentFailure(t *testing.T) {
	store := newFakeStore()
	store.failures = 2
	r := newTestResolver(t, store)

	if _, err := r.ResolveChannel(context.Background(), "forsen", ""); err == nil {
		t.Fatal("expected error after two failures")
	}
}

func TestLookupChannelNeverCreates(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	if _, err := r.LookupChannel(context.Background(), "mystery"); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if len(store.channels) != 0 {
		t.Fatalf("lookup created %d channel rows, want 0", len(store.channels))
	}
	if store.channelCalls != 0 {
		t.Fatalf("lookup reached the upsert path %d times", store.channelCalls)
	}
}

func TestLookupChannelCachesHit(t *testing.T) {
	store := newFakeStore()
	store.channels["forsen"] = models.Channel{ID: 4, Name: "forsen", Active: true}
	r := newTestResolver(t, store)

	first, err := r.LookupChannel(context.Background(), "Forsen")
	if err != nil {
		t.Fatalf("LookupChannel: %v", err)
	}
	if first.ID != 4 {
		t.Fatalf("unexpected channel %+v", first)
	}

	if _, err := r.LookupChannel(context.Background(), "forsen"); err != nil {
		t.Fatalf("LookupChannel: %v", err)
	}
	if store.lookupCalls != 1 {
		t.Fatalf("store consulted %d times, want 1", store.lookupCalls)
	}
}

func TestConcurrentFirstObservation(t *testing.T) {
	store := newFakeStore()
	r := newTestResolver(t, store)

	var wg sync.WaitGroup
	ids := make([]int, 32)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := r.ResolveUser(context.Background(), "bob", "", "")
			if err != nil {
				t.Errorf("ResolveUser: %v", err)
				return
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("resolution %d returned id %d, want %d", i, id, ids[0])
		}
	}
	if len(store.users) != 1 {
		t.Fatalf("store holds %d user rows, want 1", len(store.users))
	}
}
