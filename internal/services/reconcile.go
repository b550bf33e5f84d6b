// Package services – Reconciler
//
// The reconciler turns a raw fetched character state plus the stored history
// baseline into a persistable snapshot. It owns the two-timestamp rule
// (exp_date for attribution, scraped_at for provenance), the day-over-day
// experience delta, and anomaly detection for experience regressions.
package services

import (
	"time"

	"github.com/dkrol/go-tracker-backend/internal/adapter"
	"github.com/dkrol/go-tracker-backend/internal/domain"
)

// Reconciler computes snapshot rows from raw fetch results.
type Reconciler struct {
	// Location is the scheduling timezone used to derive exp_date from the
	// fetch wall-clock time. Nil means UTC.
	Location *time.Location
}

// loc returns the configured timezone, defaulting to UTC.
func (r *Reconciler) loc() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.UTC
}

// ExpDate returns the business date a fetch at `now` is attributed to:
// the calendar date of `now` in the scheduling timezone. A re-fetch later
// the same day lands on the same exp_date and therefore updates the
// existing snapshot row instead of creating a second one.
func (r *Reconciler) ExpDate(now time.Time) string {
	return now.In(r.loc()).Format(domain.ExpDateLayout)
}

// Reconcile builds the snapshot for (char, exp_date of now) from raw.
//
// baseline is the newest stored snapshot strictly earlier than the computed
// exp_date (nil when the character has no prior history). The experience
// gain is raw.Experience minus the baseline's experience, clamped at zero:
// a negative raw delta (reset, rename to a different entity, or transfer
// save-point differences) is recorded as zero gain and reported as an
// anomaly, but the snapshot is still produced. Ingestion never discards
// data over a regression.
//
// A world change relative to the character rollup is recorded on the
// snapshot (history must show the world at the time) and is not an anomaly.
//
// ScrapedAt is taken from raw.CapturedAt so replaying an identical raw
// state yields an identical snapshot.
func (r *Reconciler) Reconcile(char *domain.Character, baseline *domain.Snapshot, raw *adapter.RawState, now time.Time) (*domain.Snapshot, bool) {
	expDate := r.ExpDate(now)

	var gained int64
	anomaly := false
	if baseline != nil {
		gained = raw.Experience - baseline.Experience
		if gained < 0 {
			gained = 0
			anomaly = true
		}
	}

	world := raw.World
	if world == "" {
		world = char.World
	}

	scrapedAt := raw.CapturedAt
	if scrapedAt.IsZero() {
		scrapedAt = now.UTC()
	}

	snap := &domain.Snapshot{
		CharacterID:      char.ID,
		ExpDate:          expDate,
		ScrapedAt:        scrapedAt,
		Level:            raw.Level,
		Experience:       raw.Experience,
		ExperienceGained: gained,
		Deaths:           raw.Deaths,
		Vocation:         raw.Vocation,
		World:            world,
		Guild:            raw.Guild,
		OutfitURL:        raw.OutfitURL,
		ProfileURL:       raw.ProfileURL,
	}
	return snap, anomaly
}
