package archive

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
)

func modActionEvent(a events.ModAction) events.Event {
	return events.Event{
		Kind:      events.KindModAction,
		ChannelID: a.ChannelID,
		TS:        time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		ModAction: &a,
	}
}

func TestCommitBatchClearWithoutTargetWritesNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// A chat-wide clear has no target user; the insert must carry NULL,
	// never the zero id, or the FK rejects the whole batch.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mod_actions").
		WithArgs(3, nil, nil, "clear", nil, "", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewSQLStore(db)
	batch := []events.Event{modActionEvent(events.ModAction{
		ChannelID: 3,
		Kind:      events.ActionClear,
	})}
	if err := store.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitBatchBanCarriesTargetUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mod_actions").
		WithArgs(3, nil, 7, "ban", nil, "", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewSQLStore(db)
	batch := []events.Event{modActionEvent(events.ModAction{
		ChannelID:      3,
		TargetUserID:   7,
		TargetUsername: "nymn",
		Kind:           events.ActionBan,
	})}
	if err := store.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCommitBatchDeleteMarksMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO mod_actions").
		WithArgs(3, nil, 7, "delete", nil, "", sqlmock.AnyArg(), "wire-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE messages").
		WithArgs("wire-1", sqlmock.AnyArg(), "modname").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewSQLStore(db)
	batch := []events.Event{modActionEvent(events.ModAction{
		ChannelID:     3,
		TargetUserID:  7,
		ModeratorName: "modname",
		Kind:          events.ActionDelete,
		RelatedWireID: "wire-1",
	})}
	if err := store.CommitBatch(context.Background(), batch); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
