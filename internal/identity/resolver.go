// Package identity interns (channel, user) names against the store and
// hands out stable numeric ids. Resolution is find-or-create through an
// upsert; a most-recently-used cache sits in front as a pure optimization.
package identity

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// DefaultCacheSize bounds the per-kind name caches.
const DefaultCacheSize = 100_000

// Store is the persistence seam for identity resolution. Both operations
// are idempotent upserts: under concurrent first observation of a name,
// exactly one row is created.
type Store interface {
	UpsertChannel(ctx context.Context, name, displayName, twitchID string) (models.Channel, error)
	UpsertUser(ctx context.Context, username, displayName, twitchID string) (models.User, error)
	GetChannelByName(ctx context.Context, name string) (models.Channel, error)
}

// Resolver caches name→id lookups in front of the store.
type Resolver struct {
	store  Store
	logger logging.Logger

	channels *lru.Cache[string, models.Channel]
	users    *lru.Cache[string, models.User]
	group    singleflight.Group
}

// NewResolver creates a resolver. cacheSize <= 0 selects DefaultCacheSize.
func NewResolver(store Store, logger logging.Logger, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	channels, err := lru.New[string, models.Channel](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel cache: %w", err)
	}
	users, err := lru.New[string, models.User](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}
	return &Resolver{
		store:    store,
		logger:   logger,
		channels: channels,
		users:    users,
	}, nil
}

// ResolveChannel returns the stable channel row for a name, creating it on
// first observation. A twitch id seen for the first time is written
// through even on a cache hit; once set it is never overwritten.
func (r *Resolver) ResolveChannel(ctx context.Context, name, twitchID string) (models.Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return models.Channel{}, fmt.Errorf("channel name is empty")
	}

	if cached, ok := r.channels.Get(name); ok {
		if twitchID == "" || cached.TwitchID != "" {
			return cached, nil
		}
		// Upgrade path: flush the twitch id to the store once.
	}

	v, err, _ := r.group.Do("channel:"+name, func() (interface{}, error) {
		ch, err := r.upsertChannel(ctx, name, twitchID)
		if err != nil {
			return nil, err
		}
		r.channels.Add(name, ch)
		return ch, nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return v.(models.Channel), nil
}

// LookupChannel returns an existing channel row by name without creating
// one. Unlike ResolveChannel it is safe to expose to untrusted callers:
// an unknown name is an error, never a new row.
func (r *Resolver) LookupChannel(ctx context.Context, name string) (models.Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return models.Channel{}, fmt.Errorf("channel name is empty")
	}

	if cached, ok := r.channels.Get(name); ok {
		return cached, nil
	}

	v, err, _ := r.group.Do("channel-lookup:"+name, func() (interface{}, error) {
		ch, err := r.store.GetChannelByName(ctx, name)
		if err != nil {
			return nil, err
		}
		r.channels.Add(name, ch)
		return ch, nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return v.(models.Channel), nil
}

// ResolveUser returns the stable user row for a username, creating it on
// first observation. last_seen is refreshed opportunistically whenever
// the store is consulted.
func (r *Resolver) ResolveUser(ctx context.Context, username, displayName, twitchID string) (models.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return models.User{}, fmt.Errorf("username is empty")
	}

	if cached, ok := r.users.Get(username); ok {
		if twitchID == "" || cached.TwitchID != "" {
			return cached, nil
		}
	}

	v, err, _ := r.group.Do("user:"+username, func() (interface{}, error) {
		u, err := r.upsertUser(ctx, username, displayName, twitchID)
		if err != nil {
			return nil, err
		}
		r.users.Add(username, u)
		return u, nil
	})
	if err != nil {
		return models.User{}, err
	}
	return v.(models.User), nil
}

// upsertChannel retries once on failure. A second failure indicates
// something worse than an insert race and is returned to the caller.
func (r *Resolver) upsertChannel(ctx context.Context, name, twitchID string) (models.Channel, error) {
	ch, err := r.store.UpsertChannel(ctx, name, "", twitchID)
	if err == nil {
		return ch, nil
	}
	r.logger.WithError(err).WithField("channel", name).Warn("Channel upsert failed, retrying once")
	ch, err = r.store.UpsertChannel(ctx, name, "", twitchID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("channel resolution failed for %q: %w", name, err)
	}
	return ch, nil
}

func (r *Resolver) upsertUser(ctx context.Context, username, displayName, twitchID string) (models.User, error) {
	u, err := r.store.UpsertUser(ctx, username, displayName, twitchID)
	if err == nil {
		return u, nil
	}
	r.logger.WithError(err).WithField("username", username).Warn("User upsert failed, retrying once")
	u, err = r.store.UpsertUser(ctx, username, displayName, twitchID)
	if err != nil {
		return models.User{}, fmt.Errorf("user resolution failed for %q: %w", username, err)
	}
	return u, nil
}

// CacheStats reports cache sizes for the stats endpoint.
func (r *Resolver) CacheStats() (channels, users int) {
	return r.channels.Len(), r.users.Len()
}
