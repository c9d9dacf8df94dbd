package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/AwwCookies/Chatterbox-sub000/pkg/database"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/models"
)

// Store is the persistence seam for webhook registrations.
type Store interface {
	List(ctx context.Context) ([]models.WebhookRegistration, error)
	Create(ctx context.Context, reg models.WebhookRegistration) (models.WebhookRegistration, error)
	Delete(ctx context.Context, id int) error
	SetEnabled(ctx context.Context, id int, enabled bool) error
	// RecordSuccess bumps the trigger counter and clears the failure
	// streak.
	RecordSuccess(ctx context.Context, id int) error
	// RecordFailure bumps the failure streak, muting the registration
	// when the streak reaches threshold. Returns the new streak and
	// whether this call muted it.
	RecordFailure(ctx context.Context, id, threshold int) (failures int, muted bool, err error)
}

// ValidateURL enforces that destinations are HTTPS with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("webhook url must use https")
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url is missing a host")
	}
	return nil
}

// MaskURL returns the stable opaque form shown on read paths. The host
// stays visible; the path, which carries the secret, is elided down to its
// last few characters.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	tail := strings.TrimSuffix(u.Path, "/")
	if n := len(tail); n > 4 {
		tail = tail[n-4:]
	}
	return fmt.Sprintf("%s://%s/...%s", u.Scheme, u.Host, tail)
}

// SQLStore implements Store on Postgres.
type SQLStore struct {
	db database.PostgresConn
}

// NewSQLStore wraps a database connection.
func NewSQLStore(db database.PostgresConn) *SQLStore {
	return &SQLStore{db: db}
}

const regColumns = `id, owner_id, kind, config, url, enabled, muted, consecutive_failures, last_triggered_at, trigger_count, created_at`

// List returns every registration, including disabled and muted ones.
func (s *SQLStore) List(ctx context.Context) ([]models.WebhookRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regColumns+` FROM webhooks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookRegistration
	for rows.Next() {
		var (
			reg       models.WebhookRegistration
			rawFilter []byte
		)
		if err := rows.Scan(&reg.ID, &reg.OwnerID, &reg.Kind, &rawFilter, &reg.URL,
			&reg.Enabled, &reg.Muted, &reg.ConsecutiveFailures,
			&reg.LastTriggeredAt, &reg.TriggerCount, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		if len(rawFilter) > 0 {
			if err := json.Unmarshal(rawFilter, &reg.Filter); err != nil {
				return nil, fmt.Errorf("decode webhook %d filter: %w", reg.ID, err)
			}
		}
		reg.URLMask = MaskURL(reg.URL)
		out = append(out, reg)
	}
	return out, rows.Err()
}

// Create validates and persists a registration.
func (s *SQLStore) Create(ctx context.Context, reg models.WebhookRegistration) (models.WebhookRegistration, error) {
	if err := ValidateURL(reg.URL); err != nil {
		return models.WebhookRegistration{}, err
	}
	rawFilter, err := json.Marshal(reg.Filter)
	if err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("encode webhook filter: %w", err)
	}

	const q = `
		INSERT INTO webhooks (owner_id, kind, config, url, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, q, reg.OwnerID, string(reg.Kind), rawFilter, reg.URL, reg.Enabled).
		Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("create webhook: %w", err)
	}
	reg.URLMask = MaskURL(reg.URL)
	return reg, nil
}

// Delete removes a registration.
func (s *SQLStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("webhook %d not found", id)
	}
	return nil
}

// SetEnabled flips a registration on or off. Enabling also unmutes and
// resets the failure streak, giving the destination a fresh start.
func (s *SQLStore) SetEnabled(ctx context.Context, id int, enabled bool) error {
	q := `UPDATE webhooks SET enabled = $2 WHERE id = $1`
	if enabled {
		q = `UPDATE webhooks SET enabled = TRUE, muted = FALSE, consecutive_failures = 0 WHERE id = $1`
		res, err := s.db.ExecContext(ctx, q, id)
		if err != nil {
			return fmt.Errorf("enable webhook: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("webhook %d not found", id)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, q, id, enabled)
	if err != nil {
		return fmt.Errorf("disable webhook: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("webhook %d not found", id)
	}
	return nil
}

// RecordSuccess implements Store.
func (s *SQLStore) RecordSuccess(ctx context.Context, id int) error {
	const q = `
		UPDATE webhooks
		SET trigger_count = trigger_count + 1,
		    last_triggered_at = NOW(),
		    consecutive_failures = 0
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("record webhook success: %w", err)
	}
	return nil
}

// RecordFailure implements Store.
func (s *SQLStore) RecordFailure(ctx context.Context, id, threshold int) (int, bool, error) {
	const q = `
		UPDATE webhooks
		SET consecutive_failures = consecutive_failures + 1,
		    muted = muted OR (consecutive_failures + 1 >= $2)
		WHERE id = $1
		RETURNING consecutive_failures, muted`
	var (
		failures int
		muted    bool
	)
	if err := s.db.QueryRowContext(ctx, q, id, threshold).Scan(&failures, &muted); err != nil {
		return 0, false, fmt.Errorf("record webhook failure: %w", err)
	}
	return failures, muted, nil
}

var _ Store = (*SQLStore)(nil)
