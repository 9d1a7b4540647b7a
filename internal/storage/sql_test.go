package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/commonaid/realtime/pkg/models"
)

func newMockStores(t *testing.T) (StoreSet, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStoresFromDB(db), mock
}

func TestSQLUserStoreFindByID(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	rows := sqlmock.NewRows([]string{"id", "username", "avatar_url"}).
		AddRow(int64(42), "ada", "https://example.com/ada.png")
	mock.ExpectQuery(`SELECT id, username, COALESCE\(avatar_url, ''\) FROM users`).
		WithArgs(int64(42)).
		WillReturnRows(rows)

	user, err := stores.Users.FindByID(ctx, 42)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if user.ID != 42 || user.Username != "ada" {
		t.Errorf("user = %+v", user)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLUserStoreFindByIDNotFound(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectQuery(`SELECT id, username`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "avatar_url"}))

	if _, err := stores.Users.FindByID(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	// Non-positive ids short-circuit without touching the database.
	if _, err := stores.Users.FindByID(ctx, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID(0) error = %v, want ErrNotFound", err)
	}
}

func TestSQLPresenceStoreInsert(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectExec(`INSERT INTO presences`).
		WithArgs("conn-1", int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := stores.Presences.Insert(ctx, "conn-1", 42); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLPresenceStoreInsertDuplicate(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectExec(`INSERT INTO presences`).
		WithArgs("conn-1", int64(42), sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf(`pq: duplicate key value violates unique constraint "presences_pkey"`))

	err := stores.Presences.Insert(ctx, "conn-1", 42)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("error = %v, want ErrAlreadyExists", err)
	}
}

func TestSQLPresenceStoreDeleteAndList(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectExec(`DELETE FROM presences`).
		WithArgs("conn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := stores.Presences.Delete(ctx, "conn-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	listed := sqlmock.NewRows([]string{"connection_id", "user_id", "connected_at"}).
		AddRow("conn-2", int64(7), time.Now())
	mock.ExpectQuery(`SELECT connection_id, user_id, connected_at FROM presences`).
		WillReturnRows(listed)

	all, err := stores.Presences.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 || all[0].ConnectionID != "conn-2" || all[0].UserID != 7 {
		t.Errorf("ListAll = %+v", all)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLMessageStoreInsert(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(7), int64(42), "hello", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

	msg := &models.Message{HelpRequestID: 7, SenderID: 42, Body: "hello"}
	if err := stores.Messages.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if msg.ID != 101 {
		t.Errorf("id = %d, want 101", msg.ID)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Insert must stamp CreatedAt")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLMessageStoreInsertError(t *testing.T) {
	ctx := context.Background()
	stores, mock := newMockStores(t)

	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(7), int64(42), "hello", sqlmock.AnyArg()).
		WillReturnError(fmt.Errorf("connection refused"))

	msg := &models.Message{HelpRequestID: 7, SenderID: 42, Body: "hello"}
	if err := stores.Messages.Insert(ctx, msg); err == nil {
		t.Fatal("Insert should propagate the driver error")
	}
	if msg.ID != 0 {
		t.Errorf("failed insert assigned id %d", msg.ID)
	}
}

func TestQuoterRewritesPlaceholdersForSQLite(t *testing.T) {
	q := newQuoter("sqlite")
	got := q(`INSERT INTO presences (a, b, c) VALUES ($1, $2, $3)`)
	want := `INSERT INTO presences (a, b, c) VALUES (?, ?, ?)`
	if got != want {
		t.Errorf("rewritten query = %q, want %q", got, want)
	}

	passthrough := newQuoter("postgres")
	if got := passthrough(`SELECT $1`); got != `SELECT $1` {
		t.Errorf("postgres quoter altered query: %q", got)
	}
}
