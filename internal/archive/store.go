package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/database"
)

// Store commits a batch of domain events in a single transaction.
type Store interface {
	CommitBatch(ctx context.Context, batch []events.Event) error
}

// SQLStore implements Store on Postgres. Events within a batch are
// inserted sequentially inside one transaction, which preserves
// per-channel order and makes a retried batch idempotent: message inserts
// conflict on wire_id and become no-ops.
type SQLStore struct {
	db database.PostgresConn
}

// NewSQLStore wraps a database connection.
func NewSQLStore(db database.PostgresConn) *SQLStore {
	return &SQLStore{db: db}
}

// CommitBatch writes the batch atomically.
func (s *SQLStore) CommitBatch(ctx context.Context, batch []events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range batch {
		switch ev.Kind {
		case events.KindChatMessage:
			err = insertMessage(ctx, tx, ev)
		case events.KindModAction:
			err = insertModAction(ctx, tx, ev)
		case events.KindBits:
			err = insertBits(ctx, tx, ev)
		case events.KindSubscription:
			err = insertSub(ctx, tx, ev)
		case events.KindRaid:
			err = insertRaid(ctx, tx, ev)
		default:
			// Non-persisted kinds are skipped rather than rejected so a
			// misrouted event cannot wedge the whole batch in retry.
			continue
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type txLike interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertMessage(ctx context.Context, tx txLike, ev events.Event) error {
	m := ev.ChatMessage
	badges, err := json.Marshal(m.Badges)
	if err != nil {
		return fmt.Errorf("marshal badges: %w", err)
	}
	emotes, err := json.Marshal(m.Emotes)
	if err != nil {
		return fmt.Errorf("marshal emotes: %w", err)
	}

	const q = `
		INSERT INTO messages (channel_id, user_id, text, ts, wire_id, badges, emotes, reply_to_wire_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (wire_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, q, m.ChannelID, m.UserID, m.Text, ev.TS, m.WireID, badges, emotes, m.ReplyToWireID); err != nil {
		return fmt.Errorf("insert message %s: %w", m.WireID, err)
	}
	return nil
}

func insertModAction(ctx context.Context, tx txLike, ev events.Event) error {
	a := ev.ModAction

	// Chat-wide actions (clear) have no target user; the column is
	// nullable so the FK never sees the zero id.
	var target interface{}
	if a.TargetUserID != 0 {
		target = a.TargetUserID
	}

	const q = `
		INSERT INTO mod_actions (channel_id, moderator_id, target_user_id, kind, duration_s, reason, ts, related_wire_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''))`
	if _, err := tx.ExecContext(ctx, q, a.ChannelID, a.ModeratorID, target, string(a.Kind), a.DurationS, a.Reason, ev.TS, a.RelatedWireID); err != nil {
		return fmt.Errorf("insert mod action: %w", err)
	}

	// A delete action also marks the referenced message. deleted_at is
	// set iff is_deleted flips, keeping the two columns consistent.
	if a.Kind == events.ActionDelete && a.RelatedWireID != "" {
		const mark = `
			UPDATE messages
			SET is_deleted = TRUE, deleted_at = $2, deleted_by = NULLIF($3, '')
			WHERE wire_id = $1 AND NOT is_deleted`
		if _, err := tx.ExecContext(ctx, mark, a.RelatedWireID, ev.TS, a.ModeratorName); err != nil {
			return fmt.Errorf("mark message %s deleted: %w", a.RelatedWireID, err)
		}
	}
	return nil
}

func insertBits(ctx context.Context, tx txLike, ev events.Event) error {
	b := ev.Bits
	const q = `
		INSERT INTO bits_events (channel_id, user_id, bits_amount, message_wire_id, ts)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`
	if _, err := tx.ExecContext(ctx, q, b.ChannelID, b.UserID, b.Amount, b.MessageWireID, ev.TS); err != nil {
		return fmt.Errorf("insert bits event: %w", err)
	}
	return nil
}

func insertSub(ctx context.Context, tx txLike, ev events.Event) error {
	sub := ev.Sub
	const q = `
		INSERT INTO sub_events (channel_id, user_id, sub_type, tier, cumulative_months, gift_count, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := tx.ExecContext(ctx, q, sub.ChannelID, sub.UserID, sub.SubType, sub.Tier, sub.CumulativeMonths, sub.GiftCount, ev.TS); err != nil {
		return fmt.Errorf("insert sub event: %w", err)
	}
	return nil
}

func insertRaid(ctx context.Context, tx txLike, ev events.Event) error {
	r := ev.Raid
	const q = `
		INSERT INTO raid_events (channel_id, from_user_id, viewer_count, ts)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, q, r.ChannelID, r.FromUserID, r.ViewerCount, ev.TS); err != nil {
		return fmt.Errorf("insert raid event: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
