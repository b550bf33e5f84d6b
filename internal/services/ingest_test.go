package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkrol/go-tracker-backend/internal/adapter"
	"github.com/dkrol/go-tracker-backend/internal/domain"
	"github.com/dkrol/go-tracker-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ingestsvc_%s?mode=memory&cache=shared", uuid.NewString())

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

// stubAdapter lets tests script fetch results per call.
type stubAdapter struct {
	fetch func(ctx context.Context, id adapter.Identity) (*adapter.RawState, error)
}

func (s stubAdapter) Fetch(ctx context.Context, id adapter.Identity) (*adapter.RawState, error) {
	return s.fetch(ctx, id)
}

func newEngine(t *testing.T, db *gorm.DB, ad adapter.Adapter) *IngestService {
	t.Helper()
	reg := adapter.NewRegistry()
	if ad != nil {
		reg.Register("testsrv", ad)
	}
	return &IngestService{
		DB:              db,
		Adapters:        reg,
		Recon:           &Reconciler{},
		FetchTimeout:    5 * time.Second,
		BaseBackoff:     5 * time.Minute,
		MaxBackoff:      6 * time.Hour,
		ReviewThreshold: 3,
		DailyRunAt:      "00:05",
	}
}

func seedCharacter(t *testing.T, db *gorm.DB) *domain.Character {
	t.Helper()
	c, err := repo.CreateCharacter(context.Background(), db, "Sir Aldric", "testsrv", "Aurora", time.Now())
	if err != nil {
		t.Fatalf("seed character: %v", err)
	}
	return c
}

func reloadCharacter(t *testing.T, db *gorm.DB, id string) *domain.Character {
	t.Helper()
	c, err := repo.GetCharacter(context.Background(), db, id)
	if err != nil {
		t.Fatalf("reload character: %v", err)
	}
	return c
}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	s := &IngestService{BaseBackoff: 5 * time.Minute, MaxBackoff: 6 * time.Hour}

	want := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 80 * time.Minute}
	var prev time.Duration
	for i, w := range want {
		got := s.Backoff(i + 1)
		if got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
		if got < prev {
			t.Fatalf("Backoff(%d) = %v decreased below %v", i+1, got, prev)
		}
		prev = got
	}

	// Deep failure counts clamp to the ceiling, even past shift overflow.
	if got := s.Backoff(10); got != 6*time.Hour {
		t.Fatalf("Backoff(10) = %v, want 6h cap", got)
	}
	if got := s.Backoff(200); got != 6*time.Hour {
		t.Fatalf("Backoff(200) = %v, want 6h cap", got)
	}
}

func TestNextDailyRun(t *testing.T) {
	s := &IngestService{DailyRunAt: "00:05"}

	// Before the run time: same day.
	now := time.Date(2024, 1, 10, 0, 1, 0, 0, time.UTC)
	if got := s.NextDailyRun(now); !got.Equal(time.Date(2024, 1, 10, 0, 5, 0, 0, time.UTC)) {
		t.Fatalf("NextDailyRun = %v, want same-day 00:05", got)
	}

	// After the run time: next day.
	now = time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	if got := s.NextDailyRun(now); !got.Equal(time.Date(2024, 1, 11, 0, 5, 0, 0, time.UTC)) {
		t.Fatalf("NextDailyRun = %v, want next-day 00:05", got)
	}
}

func TestRunCycle_Success(t *testing.T) {
	db := newTestDB(t)
	captured := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return &adapter.RawState{
			Name: "Sir Aldric", Level: 40, Vocation: "Knight", Guild: "Dawn",
			Experience: 1000, World: "Aurora", CapturedAt: captured,
		}, nil
	}})
	svc.Now = func() time.Time { return captured }

	char := seedCharacter(t, db)
	// Simulate recovering from prior failures.
	if err := repo.UpdateCharacterState(context.Background(), db, char.ID, map[string]any{
		"error_count": 2, "last_error": "boom",
	}); err != nil {
		t.Fatalf("seed error state: %v", err)
	}
	char = reloadCharacter(t, db, char.ID)

	res := svc.RunCycle(context.Background(), char)
	if !res.Success() || res.Err != nil {
		t.Fatalf("RunCycle = %+v, want success", res)
	}
	if res.Snapshot == nil || res.Snapshot.ExpDate != "2024-01-10" {
		t.Fatalf("snapshot = %+v, want exp_date 2024-01-10", res.Snapshot)
	}

	got := reloadCharacter(t, db, char.ID)
	if got.Level != 40 || got.Vocation != "Knight" || got.Guild != "Dawn" {
		t.Fatalf("rollup not refreshed: %+v", got)
	}
	if got.ErrorCount != 0 || got.LastError != "" {
		t.Fatalf("error state not reset: count=%d last=%q", got.ErrorCount, got.LastError)
	}
	if got.LastFetchedAt == nil {
		t.Fatalf("last_fetched_at not set")
	}
	if got.NextDueAt == nil || !got.NextDueAt.Equal(time.Date(2024, 1, 11, 0, 5, 0, 0, time.UTC)) {
		t.Fatalf("next_due_at = %v, want next daily run", got.NextDueAt)
	}
}

// Replaying the same raw state for the same exp_date must not create a
// second row or drift any field.
func TestRunCycle_IdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	captured := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return &adapter.RawState{Name: "Sir Aldric", Level: 40, Experience: 1000, World: "Aurora", CapturedAt: captured}, nil
	}})
	svc.Now = func() time.Time { return captured }

	char := seedCharacter(t, db)
	first := svc.RunCycle(context.Background(), char)
	if !first.Success() {
		t.Fatalf("first cycle failed: %+v", first)
	}
	second := svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID))
	if !second.Success() {
		t.Fatalf("second cycle failed: %+v", second)
	}

	count, err := repo.CountSnapshots(context.Background(), db, char.ID)
	if err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if count != 1 {
		t.Fatalf("snapshot count = %d, want 1", count)
	}

	stored, err := repo.GetSnapshotByDate(context.Background(), db, char.ID, "2024-01-10")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if stored.Experience != 1000 || stored.ExperienceGained != 0 || !stored.ScrapedAt.Equal(captured) {
		t.Fatalf("replay drifted stored snapshot: %+v", stored)
	}
}

// A same-day re-fetch with a higher value updates the open row in place and
// recomputes the gain against the previous day's baseline.
func TestRunCycle_SameDayRefetchUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	exp := int64(1000)
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return &adapter.RawState{Name: "Sir Aldric", Experience: exp, World: "Aurora", CapturedAt: now}, nil
	}})
	svc.Now = func() time.Time { return now }

	char := seedCharacter(t, db)

	// Day 1 baseline.
	if res := svc.RunCycle(context.Background(), char); !res.Success() {
		t.Fatalf("day1: %+v", res)
	}

	// Day 2 first fetch, then a later re-fetch the same day.
	now = time.Date(2024, 1, 11, 0, 6, 0, 0, time.UTC)
	exp = 1200
	if res := svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID)); !res.Success() {
		t.Fatalf("day2 first: %+v", res)
	}
	now = time.Date(2024, 1, 11, 20, 0, 0, 0, time.UTC)
	exp = 1500
	refetch := svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID))
	if !refetch.Success() {
		t.Fatalf("day2 refetch: %+v", refetch)
	}

	count, _ := repo.CountSnapshots(context.Background(), db, char.ID)
	if count != 2 {
		t.Fatalf("snapshot count = %d, want 2 (one per exp_date)", count)
	}
	day2, err := repo.GetSnapshotByDate(context.Background(), db, char.ID, "2024-01-11")
	if err != nil {
		t.Fatalf("load day2: %v", err)
	}
	// Gain is against day 1 (1000), not against the earlier same-day fetch.
	if day2.Experience != 1500 || day2.ExperienceGained != 500 {
		t.Fatalf("day2 = exp %d gained %d, want 1500/500", day2.Experience, day2.ExperienceGained)
	}
	// The result must report the stored row: the in-place update keeps the
	// first fetch's id, so the re-fetch may not hand back a phantom one.
	if refetch.Snapshot == nil || refetch.Snapshot.ID != day2.ID {
		t.Fatalf("refetch snapshot id = %+v, want stored id %s", refetch.Snapshot, day2.ID)
	}
}

func TestRunCycle_RegressionFlagsCharacter(t *testing.T) {
	db := newTestDB(t)
	exp := int64(500)
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return &adapter.RawState{Name: "Sir Aldric", Experience: exp, World: "Aurora", CapturedAt: now}, nil
	}})
	svc.Now = func() time.Time { return now }

	char := seedCharacter(t, db)
	if res := svc.RunCycle(context.Background(), char); !res.Success() {
		t.Fatalf("day1: %+v", res)
	}

	now = time.Date(2024, 1, 11, 8, 0, 0, 0, time.UTC)
	exp = 300
	res := svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID))
	if !res.Success() {
		t.Fatalf("regression cycle must still succeed: %+v", res)
	}
	if !res.Anomaly {
		t.Fatalf("expected anomaly on regression")
	}

	day2, _ := repo.GetSnapshotByDate(context.Background(), db, char.ID, "2024-01-11")
	if day2 == nil || day2.ExperienceGained != 0 {
		t.Fatalf("day2 gained = %+v, want clamp to 0", day2)
	}

	got := reloadCharacter(t, db, char.ID)
	if got.AnomalyAt == nil || got.LastError == "" {
		t.Fatalf("anomaly not surfaced on character: %+v", got)
	}
}

func TestRunCycle_TransientFailureBacksOff(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return nil, adapter.Transient(errors.New("connection reset"))
	}})
	svc.Now = func() time.Time { return now }

	char := seedCharacter(t, db)
	res := svc.RunCycle(context.Background(), char)
	if res.Outcome != OutcomeTransient {
		t.Fatalf("outcome = %s, want transient", res.Outcome)
	}
	if res.Snapshot != nil {
		t.Fatalf("no snapshot may be written on failure")
	}

	got := reloadCharacter(t, db, char.ID)
	if got.ErrorCount != 1 || got.LastError == "" {
		t.Fatalf("error bookkeeping wrong: %+v", got)
	}
	wantDue := now.Add(5 * time.Minute)
	if got.NextDueAt == nil || !got.NextDueAt.Equal(wantDue) {
		t.Fatalf("next_due_at = %v, want %v", got.NextDueAt, wantDue)
	}
	if got.NeedsReview {
		t.Fatalf("review flag must not be set below the threshold")
	}

	// Two more failures cross ReviewThreshold=3.
	svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID))
	svc.RunCycle(context.Background(), reloadCharacter(t, db, char.ID))
	got = reloadCharacter(t, db, char.ID)
	if got.ErrorCount != 3 || !got.NeedsReview {
		t.Fatalf("review flag: count=%d review=%v, want 3/true", got.ErrorCount, got.NeedsReview)
	}
	if !got.Active {
		t.Fatalf("failing character must stay active")
	}
}

func TestRunCycle_ParseFailureSurfacedDistinctly(t *testing.T) {
	db := newTestDB(t)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return nil, adapter.ParseFailure(errors.New("profile layout changed"))
	}})

	char := seedCharacter(t, db)
	res := svc.RunCycle(context.Background(), char)
	if res.Outcome != OutcomeParse {
		t.Fatalf("outcome = %s, want parse_error", res.Outcome)
	}
}

func TestRunCycle_NotFoundIsTerminal(t *testing.T) {
	db := newTestDB(t)
	svc := newEngine(t, db, stubAdapter{fetch: func(context.Context, adapter.Identity) (*adapter.RawState, error) {
		return nil, adapter.NotFound(errors.New("character deleted"))
	}})

	char := seedCharacter(t, db)
	res := svc.RunCycle(context.Background(), char)
	if res.Outcome != OutcomeNotFound {
		t.Fatalf("outcome = %s, want not_found", res.Outcome)
	}

	got := reloadCharacter(t, db, char.ID)
	if got.Active {
		t.Fatalf("character must be deactivated")
	}
	if got.NextDueAt != nil {
		t.Fatalf("next_due_at must be cleared, got %v", got.NextDueAt)
	}

	// Deactivated characters never show up in due selection again.
	due, err := repo.ListDueCharacters(context.Background(), db, time.Now().Add(24*time.Hour), 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	for _, d := range due {
		if d.ID == char.ID {
			t.Fatalf("inactive character still selected as due")
		}
	}
}

func TestRunCycle_MissingAdapterIsParseClass(t *testing.T) {
	db := newTestDB(t)
	svc := newEngine(t, db, nil) // empty registry

	char := seedCharacter(t, db)
	res := svc.RunCycle(context.Background(), char)
	if res.Outcome != OutcomeParse {
		t.Fatalf("outcome = %s, want parse_error for unregistered server", res.Outcome)
	}
	got := reloadCharacter(t, db, char.ID)
	if got.ErrorCount != 1 || got.NextDueAt == nil {
		t.Fatalf("missing adapter must still back off: %+v", got)
	}
}

func TestTruncateErr_RuneBoundary(t *testing.T) {
	short := errors.New("boom")
	if got := truncateErr(short); got != "boom" {
		t.Fatalf("short message altered: %q", got)
	}

	// 510 ASCII bytes followed by a 3-byte rune that straddles the 512-byte
	// cut; truncation must back up instead of splitting it.
	long := errors.New(strings.Repeat("a", 510) + "€€€")
	got := truncateErr(long)
	if len(got) > 512 {
		t.Fatalf("truncated to %d bytes, want <= 512", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got[500:])
	}
	if got != strings.Repeat("a", 510) {
		t.Fatalf("cut at %d bytes, want the rune boundary at 510", len(got))
	}
}

func TestRunCycle_FetchTimeoutIsTransient(t *testing.T) {
	db := newTestDB(t)
	svc := newEngine(t, db, stubAdapter{fetch: func(ctx context.Context, _ adapter.Identity) (*adapter.RawState, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	svc.FetchTimeout = 10 * time.Millisecond

	char := seedCharacter(t, db)
	res := svc.RunCycle(context.Background(), char)
	if res.Outcome != OutcomeTransient {
		t.Fatalf("outcome = %s, want transient for timeout", res.Outcome)
	}
	if res.Snapshot != nil {
		t.Fatalf("no partial snapshot may be persisted from a timed-out fetch")
	}
	if n, _ := repo.CountSnapshots(context.Background(), db, char.ID); n != 0 {
		t.Fatalf("snapshot rows = %d, want 0", n)
	}
}
