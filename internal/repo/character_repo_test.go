package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkrol/go-tracker-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(&domain.Character{}, &domain.Snapshot{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateCharacter_DuplicateIdentity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	due := time.Now()

	c, err := CreateCharacter(ctx, db, "Sir Aldric", "testsrv", "Aurora", due)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" || !c.Active || c.NextDueAt == nil {
		t.Fatalf("created character malformed: %+v", c)
	}

	if _, err := CreateCharacter(ctx, db, "Sir Aldric", "testsrv", "Aurora", due); !errors.Is(err, ErrDuplicateCharacter) {
		t.Fatalf("duplicate err = %v, want ErrDuplicateCharacter", err)
	}

	// Same name, different world: distinct identity.
	if _, err := CreateCharacter(ctx, db, "Sir Aldric", "testsrv", "Borealis", due); err != nil {
		t.Fatalf("other world create: %v", err)
	}
}

func TestGetCharacter_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := GetCharacter(context.Background(), db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDueCharacters_SelectionAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	older, err := CreateCharacter(ctx, db, "Older Due", "testsrv", "Aurora", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("create older: %v", err)
	}
	newer, err := CreateCharacter(ctx, db, "Newer Due", "testsrv", "Aurora", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("create newer: %v", err)
	}
	if _, err := CreateCharacter(ctx, db, "Future Due", "testsrv", "Aurora", now.Add(time.Hour)); err != nil {
		t.Fatalf("create future: %v", err)
	}

	inactive, err := CreateCharacter(ctx, db, "Gone", "testsrv", "Aurora", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("create inactive: %v", err)
	}
	if err := UpdateCharacterState(ctx, db, inactive.ID, map[string]any{"active": false, "next_due_at": nil}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	due, err := ListDueCharacters(ctx, db, now, 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d characters, want 2 (future and inactive excluded)", len(due))
	}
	if due[0].ID != older.ID || due[1].ID != newer.ID {
		t.Fatalf("due order = [%s, %s], want oldest first [%s, %s]", due[0].Name, due[1].Name, older.Name, newer.Name)
	}

	// limit bounds the batch but keeps the ordering.
	due, err = ListDueCharacters(ctx, db, now, 1)
	if err != nil {
		t.Fatalf("list due limited: %v", err)
	}
	if len(due) != 1 || due[0].ID != older.ID {
		t.Fatalf("limited due = %+v, want only the oldest", due)
	}
}

func TestUpdateCharacterState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	c, err := CreateCharacter(ctx, db, "Sir Aldric", "testsrv", "Aurora", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := UpdateCharacterState(ctx, db, c.ID, map[string]any{
		"error_count": 3, "last_error": "boom", "next_due_at": nil,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := GetCharacter(ctx, db, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ErrorCount != 3 || got.LastError != "boom" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.NextDueAt != nil {
		t.Fatalf("next_due_at = %v, want cleared", got.NextDueAt)
	}

	if err := UpdateCharacterState(ctx, db, "missing", map[string]any{"error_count": 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing update err = %v, want ErrNotFound", err)
	}
}

func TestListCharactersPage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	names := []string{"Charlie", "Alpha", "Bravo"}
	for _, n := range names {
		if _, err := CreateCharacter(ctx, db, n, "testsrv", "Aurora", time.Now()); err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
	}

	total, err := CountCharacters(ctx, db)
	if err != nil || total != 3 {
		t.Fatalf("count = (%d, %v), want 3", total, err)
	}

	page, err := ListCharactersPage(ctx, db, 0, 2)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Name != "Alpha" || page[1].Name != "Bravo" {
		t.Fatalf("page = %+v, want name-ordered [Alpha, Bravo]", page)
	}

	page, err = ListCharactersPage(ctx, db, 2, 2)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(page) != 1 || page[0].Name != "Charlie" {
		t.Fatalf("last page = %+v, want [Charlie]", page)
	}
}
