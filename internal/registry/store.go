package registry

import (
	"context"
	"fmt"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/database"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db database.PostgresConn
}

// NewSQLStore wraps a database connection.
func NewSQLStore(db database.PostgresConn) *SQLStore {
	return &SQLStore{db: db}
}

// ActivateChannel creates the channel row if needed and marks it active.
func (s *SQLStore) ActivateChannel(ctx context.Context, name string) (models.Channel, error) {
	const q = `
		INSERT INTO channels (name, active)
		VALUES ($1, TRUE)
		ON CONFLICT (name) DO UPDATE SET active = TRUE
		RETURNING id, name, display_name, COALESCE(twitch_id, ''), active, created_at`

	var ch models.Channel
	err := s.db.QueryRowContext(ctx, q, name).Scan(
		&ch.ID, &ch.Name, &ch.DisplayName, &ch.TwitchID, &ch.Active, &ch.CreatedAt)
	if err != nil {
		return models.Channel{}, fmt.Errorf("activate channel: %w", err)
	}
	return ch, nil
}

// DeactivateChannel soft-deletes a channel. The row is preserved so
// message and mod-action foreign keys stay valid.
func (s *SQLStore) DeactivateChannel(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET active = FALSE WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deactivate channel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("channel %q not found", name)
	}
	return nil
}

// ListChannels returns all channels, optionally only active ones.
func (s *SQLStore) ListChannels(ctx context.Context, activeOnly bool) ([]models.Channel, error) {
	q := `SELECT id, name, display_name, COALESCE(twitch_id, ''), active, created_at FROM channels`
	if activeOnly {
		q += ` WHERE active`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.DisplayName, &ch.TwitchID, &ch.Active, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
