package identity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/database"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// SQLStore implements Store on Postgres. All writes are single-statement
// upserts so concurrent first observation never races.
type SQLStore struct {
	db database.PostgresConn
}

// NewSQLStore wraps a database connection.
func NewSQLStore(db database.PostgresConn) *SQLStore {
	return &SQLStore{db: db}
}

// UpsertChannel inserts or refreshes a channel row. display_name is only
// replaced by a non-empty value and twitch_id is written exactly once.
func (s *SQLStore) UpsertChannel(ctx context.Context, name, displayName, twitchID string) (models.Channel, error) {
	const q = `
		INSERT INTO channels (name, display_name, twitch_id)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (name) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE channels.display_name END,
			twitch_id = COALESCE(channels.twitch_id, EXCLUDED.twitch_id)
		RETURNING id, name, display_name, COALESCE(twitch_id, ''), active, created_at`

	var ch models.Channel
	err := s.db.QueryRowContext(ctx, q, name, displayName, twitchID).Scan(
		&ch.ID, &ch.Name, &ch.DisplayName, &ch.TwitchID, &ch.Active, &ch.CreatedAt)
	if err != nil {
		return models.Channel{}, fmt.Errorf("upsert channel: %w", err)
	}
	return ch, nil
}

// UpsertUser inserts or refreshes a user row and bumps last_seen.
func (s *SQLStore) UpsertUser(ctx context.Context, username, displayName, twitchID string) (models.User, error) {
	const q = `
		INSERT INTO users (username, display_name, twitch_id)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (username) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE users.display_name END,
			twitch_id = COALESCE(users.twitch_id, EXCLUDED.twitch_id),
			last_seen = NOW()
		RETURNING id, username, display_name, COALESCE(twitch_id, ''), first_seen, last_seen`

	var u models.User
	err := s.db.QueryRowContext(ctx, q, username, displayName, twitchID).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.TwitchID, &u.FirstSeen, &u.LastSeen)
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetChannelByName fetches an existing channel row without creating one.
func (s *SQLStore) GetChannelByName(ctx context.Context, name string) (models.Channel, error) {
	const q = `
		SELECT id, name, display_name, COALESCE(twitch_id, ''), active, created_at
		FROM channels WHERE name = $1`

	var ch models.Channel
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&ch.ID, &ch.Name, &ch.DisplayName, &ch.TwitchID, &ch.Active, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Channel{}, fmt.Errorf("channel %q not known", name)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return ch, nil
}

var _ Store = (*SQLStore)(nil)
