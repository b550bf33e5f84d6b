// Package services – IngestService
//
// This file implements one character's fetch→reconcile→persist cycle and the
// scheduling bookkeeping attached to it: error counting, exponential backoff
// with a ceiling, terminal deactivation on NotFound, and computation of the
// next regular due time after a success.
//
// RunCycle's side effects are confined to the character row and the snapshot
// row it touches; no other character is affected. Callers (the scheduler)
// guarantee at most one in-flight cycle per character.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dkrol/go-tracker-backend/internal/adapter"
	"github.com/dkrol/go-tracker-backend/internal/domain"
	"github.com/dkrol/go-tracker-backend/internal/repo"
)

// CycleOutcome classifies the result of one ingestion cycle.
type CycleOutcome string

const (
	OutcomeSuccess   CycleOutcome = "success"
	OutcomeNotFound  CycleOutcome = "not_found"
	OutcomeTransient CycleOutcome = "transient"
	OutcomeParse     CycleOutcome = "parse_error"
)

// CycleResult is what one RunCycle invocation produced. Snapshot is non-nil
// only on success; Anomaly marks a successful cycle whose experience delta
// was clamped. NextDueAt echoes the scheduling decision written to the
// character row (nil when the character was deactivated).
type CycleResult struct {
	Outcome   CycleOutcome     `json:"outcome"`
	Snapshot  *domain.Snapshot `json:"snapshot,omitempty"`
	Anomaly   bool             `json:"anomaly,omitempty"`
	NextDueAt *time.Time       `json:"next_due_at,omitempty"`
	Err       error            `json:"-"`
}

// Success reports whether the cycle persisted a snapshot.
func (r CycleResult) Success() bool { return r.Outcome == OutcomeSuccess }

// IngestService executes ingestion cycles. All fields are set once at
// startup; the service itself is stateless across cycles.
type IngestService struct {
	DB       *gorm.DB
	Adapters *adapter.Registry
	Recon    *Reconciler

	FetchTimeout    time.Duration // hard deadline per external fetch
	BaseBackoff     time.Duration // first-failure retry delay
	MaxBackoff      time.Duration // backoff ceiling
	ReviewThreshold int           // consecutive failures before NeedsReview
	DailyRunAt      string        // "HH:MM" wall time of the regular daily run
	Location        *time.Location

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

func (s *IngestService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *IngestService) loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// Backoff returns the retry delay after errorCount consecutive failures:
// BaseBackoff doubled per failure, capped at MaxBackoff. errorCount values
// below 1 are treated as 1.
func (s *IngestService) Backoff(errorCount int) time.Duration {
	d := s.BaseBackoff
	if d <= 0 {
		d = time.Minute
	}
	max := s.MaxBackoff
	if max <= 0 {
		max = 6 * time.Hour
	}
	for i := 1; i < errorCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// NextDailyRun returns the next occurrence of DailyRunAt (in the scheduling
// timezone) strictly after now. A malformed or empty DailyRunAt falls back
// to now+24h so a success can never leave a character unscheduled.
func (s *IngestService) NextDailyRun(now time.Time) time.Time {
	hhmm, err := time.Parse("15:04", s.DailyRunAt)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	local := now.In(s.loc())
	next := time.Date(local.Year(), local.Month(), local.Day(), hhmm.Hour(), hhmm.Minute(), 0, 0, s.loc())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunCycle performs one fetch→reconcile→persist cycle for char and updates
// its scheduling state. It always returns a CycleResult; Err is set when the
// cycle failed (fetch failure or storage error).
func (s *IngestService) RunCycle(ctx context.Context, char *domain.Character) CycleResult {
	start := s.now()
	ingestInflight.Inc()
	defer ingestInflight.Dec()

	res := s.runCycle(ctx, char, start)

	ingestCycles.WithLabelValues(char.Server, string(res.Outcome)).Inc()
	ingestDuration.WithLabelValues(char.Server).Observe(s.now().Sub(start).Seconds())

	lg := log.With().
		Str("character_id", char.ID).
		Str("name", char.Name).
		Str("server", char.Server).
		Str("world", char.World).
		Str("outcome", string(res.Outcome)).
		Logger()
	switch {
	case res.Err != nil:
		lg.Warn().Err(res.Err).Msg("ingestion cycle failed")
	case res.Anomaly:
		lg.Warn().Msg("ingestion cycle flagged an anomaly")
	default:
		lg.Debug().Msg("ingestion cycle complete")
	}
	return res
}

func (s *IngestService) runCycle(ctx context.Context, char *domain.Character, now time.Time) CycleResult {
	ad, err := s.Adapters.Get(char.Server)
	if err != nil {
		// Unknown server name: adapter drift, not target unavailability.
		return s.recordFailure(ctx, char, now, adapter.ParseFailure(err))
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
	raw, err := ad.Fetch(fctx, adapter.Identity{Name: char.Name, Server: char.Server, World: char.World})
	cancel()
	if err != nil {
		if adapter.KindOf(err) == adapter.KindNotFound {
			return s.recordGone(ctx, char, err)
		}
		return s.recordFailure(ctx, char, now, err)
	}

	return s.recordSuccess(ctx, char, now, raw)
}

func (s *IngestService) fetchTimeout() time.Duration {
	if s.FetchTimeout > 0 {
		return s.FetchTimeout
	}
	return 30 * time.Second
}

// recordGone deactivates the character. Terminal: the scheduler never
// selects inactive characters, and reactivation is an external action.
func (s *IngestService) recordGone(ctx context.Context, char *domain.Character, cause error) CycleResult {
	fields := map[string]any{
		"active":      false,
		"next_due_at": nil,
		"last_error":  truncateErr(cause),
	}
	if err := repo.UpdateCharacterState(ctx, s.DB, char.ID, fields); err != nil {
		return CycleResult{Outcome: OutcomeNotFound, Err: err}
	}
	return CycleResult{Outcome: OutcomeNotFound, Err: cause}
}

// recordFailure increments the error count, stores the cause, and schedules
// the retry with exponential backoff. Past ReviewThreshold consecutive
// failures the character is flagged for manual review but stays active.
func (s *IngestService) recordFailure(ctx context.Context, char *domain.Character, now time.Time, cause error) CycleResult {
	count := char.ErrorCount + 1
	due := now.Add(s.Backoff(count))
	fields := map[string]any{
		"error_count": count,
		"last_error":  truncateErr(cause),
		"next_due_at": due,
	}
	if s.ReviewThreshold > 0 && count >= s.ReviewThreshold {
		fields["needs_review"] = true
	}

	outcome := OutcomeTransient
	if adapter.KindOf(cause) == adapter.KindParse {
		outcome = OutcomeParse
	}

	if err := repo.UpdateCharacterState(ctx, s.DB, char.ID, fields); err != nil {
		return CycleResult{Outcome: outcome, Err: err}
	}
	return CycleResult{Outcome: outcome, Err: cause, NextDueAt: &due}
}

// recordSuccess reconciles raw against stored history, upserts the snapshot
// on its (character_id, exp_date) key, refreshes the character rollup, and
// schedules the next regular run.
func (s *IngestService) recordSuccess(ctx context.Context, char *domain.Character, now time.Time, raw *adapter.RawState) CycleResult {
	expDate := s.Recon.ExpDate(now)

	baseline, err := repo.GetLatestSnapshotBefore(ctx, s.DB, char.ID, expDate)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		// Leave scheduling state untouched; the character stays due and the
		// next tick retries the whole cycle.
		return CycleResult{Outcome: OutcomeTransient, Err: fmt.Errorf("load baseline: %w", err)}
	}

	snap, anomaly := s.Recon.Reconcile(char, baseline, raw, now)
	if err := repo.UpsertSnapshot(ctx, s.DB, snap); err != nil {
		return CycleResult{Outcome: OutcomeTransient, Err: fmt.Errorf("upsert snapshot: %w", err)}
	}
	snapshotWrites.Inc()

	// A same-day re-fetch updates the existing row in place, keeping its id;
	// reload so the result reports the stored row, not the transient one.
	snap, err = repo.GetSnapshotByDate(ctx, s.DB, char.ID, expDate)
	if err != nil {
		return CycleResult{Outcome: OutcomeTransient, Err: fmt.Errorf("reload snapshot: %w", err)}
	}

	due := s.NextDailyRun(now)
	fields := map[string]any{
		"level":           raw.Level,
		"vocation":        raw.Vocation,
		"guild":           raw.Guild,
		"world":           snap.World,
		"error_count":     0,
		"last_error":      "",
		"last_fetched_at": now.UTC(),
		"next_due_at":     due,
	}
	if anomaly {
		ingestAnomalies.Inc()
		fields["anomaly_at"] = now.UTC()
		fields["last_error"] = fmt.Sprintf("experience regression on %s clamped to 0", expDate)
	}
	if err := repo.UpdateCharacterState(ctx, s.DB, char.ID, fields); err != nil {
		return CycleResult{Outcome: OutcomeTransient, Err: fmt.Errorf("update character: %w", err)}
	}

	return CycleResult{Outcome: OutcomeSuccess, Snapshot: snap, Anomaly: anomaly, NextDueAt: &due}
}

// truncateErr renders cause for the last_error column, bounded to its
// varchar(512) width. The cut backs up to a rune boundary so the stored
// value is always valid UTF-8.
func truncateErr(cause error) string {
	msg := cause.Error()
	if len(msg) <= 512 {
		return msg
	}
	cut := 512
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
