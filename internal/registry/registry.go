// Package registry is the source of truth for the channel set the service
// must be joined to. Mutations are committed to the store first, then
// surfaced to the IRC session as a serialized stream of join/part intents.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// Op is an intent operation.
type Op string

const (
	OpJoin Op = "join"
	OpPart Op = "part"
)

// Intent tells the IRC session to join or part a channel.
type Intent struct {
	Op      Op
	Channel string
}

// Store is the persistence seam for the channel set.
type Store interface {
	ActivateChannel(ctx context.Context, name string) (models.Channel, error)
	DeactivateChannel(ctx context.Context, name string) error
	ListChannels(ctx context.Context, activeOnly bool) ([]models.Channel, error)
}

// Registry tracks the desired channel set and emits intents.
type Registry struct {
	store  Store
	logger logging.Logger

	mu       sync.Mutex
	desired  map[string]bool
	lastOp   map[string]Op
	intents  chan Intent
	attached bool
	closed   bool
}

// New creates a registry. Load must be called before WatchChanges.
func New(store Store, logger logging.Logger) *Registry {
	return &Registry{
		store:   store,
		logger:  logger,
		desired: make(map[string]bool),
		lastOp:  make(map[string]Op),
		intents: make(chan Intent, 256),
	}
}

// Load reads the persisted channel set into memory.
func (r *Registry) Load(ctx context.Context) error {
	channels, err := r.store.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("load channel set: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		r.desired[ch.Name] = ch.Active
	}
	r.logger.WithField("channels", len(channels)).Info("Channel registry loaded")
	return nil
}

// Add activates a channel, creating it on first observation, and signals a
// join intent.
func (r *Registry) Add(ctx context.Context, name string) (models.Channel, error) {
	name = normalize(name)
	if name == "" {
		return models.Channel{}, fmt.Errorf("channel name is empty")
	}
	ch, err := r.store.ActivateChannel(ctx, name)
	if err != nil {
		return models.Channel{}, fmt.Errorf("add channel %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.desired[name] = true
	r.emitLocked(Intent{Op: OpJoin, Channel: name})
	return ch, nil
}

// Remove deactivates a channel (the row is kept) and signals a part
// intent.
func (r *Registry) Remove(ctx context.Context, name string) error {
	name = normalize(name)
	if err := r.store.DeactivateChannel(ctx, name); err != nil {
		return fmt.Errorf("remove channel %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.desired[name] = false
	r.emitLocked(Intent{Op: OpPart, Channel: name})
	return nil
}

// SetActive flips a channel's active flag.
func (r *Registry) SetActive(ctx context.Context, name string, active bool) error {
	if active {
		_, err := r.Add(ctx, name)
		return err
	}
	return r.Remove(ctx, name)
}

// List returns the known channels, sorted by name.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]models.Channel, error) {
	channels, err := r.store.ListChannels(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

// ActiveChannels returns the in-memory desired set, sorted.
func (r *Registry) ActiveChannels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.desired))
	for name, active := range r.desired {
		if active {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// WatchChanges returns the intent stream. On first attach the current
// desired state is replayed as join intents, so a consumer that starts
// late never misses the baseline.
func (r *Registry) WatchChanges() <-chan Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.attached {
		r.attached = true
		for _, name := range r.activeLocked() {
			r.emitLocked(Intent{Op: OpJoin, Channel: name})
		}
	}
	return r.intents
}

// Close stops intent emission.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.intents)
}

func (r *Registry) activeLocked() []string {
	out := make([]string, 0, len(r.desired))
	for name, active := range r.desired {
		if active {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// emitLocked serializes an intent, collapsing consecutive duplicates per
// channel.
func (r *Registry) emitLocked(in Intent) {
	if r.closed {
		return
	}
	if last, ok := r.lastOp[in.Channel]; ok && last == in.Op {
		return
	}
	r.lastOp[in.Channel] = in.Op
	select {
	case r.intents <- in:
	default:
		// The consumer is far behind; intents must not be lost, so
		// this blocks until there is room.
		r.intents <- in
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "#")))
}
