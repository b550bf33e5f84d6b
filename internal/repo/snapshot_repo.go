// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Snapshot
// model, including the insert-or-update write that enforces the
// one-snapshot-per-(character, exp_date) contract.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkrol/go-tracker-backend/internal/domain"
)

// UpsertSnapshot writes snap keyed by (character_id, exp_date). When a row
// for that key already exists its observation fields are updated in place;
// the row identity (id, created_at) is preserved. The conflict target is the
// ux_snapshots_character_day unique index, which makes the write atomic even
// if a racing cycle slipped past the single-flight guard.
func UpsertSnapshot(ctx context.Context, db *gorm.DB, snap *domain.Snapshot) error {
	if snap.CharacterID == "" || snap.ExpDate == "" {
		return errors.New("snapshot requires character_id and exp_date")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "character_id"}, {Name: "exp_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"scraped_at", "level", "experience", "experience_gained",
				"deaths", "vocation", "world", "guild",
				"outfit_url", "profile_url", "updated_at",
			}),
		}).
		Create(snap).Error
}

// GetLatestSnapshot returns the chronologically newest snapshot (by exp_date)
// for a character, or ErrNotFound when the character has no history yet.
func GetLatestSnapshot(ctx context.Context, db *gorm.DB, characterID string) (*domain.Snapshot, error) {
	var s domain.Snapshot
	err := db.WithContext(ctx).
		Where("character_id = ?", characterID).
		Order("exp_date desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestSnapshotBefore returns the newest snapshot strictly earlier than
// expDate. It is the delta baseline lookup: a same-day re-fetch recomputes
// its gain against the same baseline as the first fetch of the day.
func GetLatestSnapshotBefore(ctx context.Context, db *gorm.DB, characterID, expDate string) (*domain.Snapshot, error) {
	var s domain.Snapshot
	err := db.WithContext(ctx).
		Where("character_id = ? AND exp_date < ?", characterID, expDate).
		Order("exp_date desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSnapshotByDate returns the snapshot for one (character, exp_date) key,
// or ErrNotFound.
func GetSnapshotByDate(ctx context.Context, db *gorm.DB, characterID, expDate string) (*domain.Snapshot, error) {
	var s domain.Snapshot
	err := db.WithContext(ctx).
		Where("character_id = ? AND exp_date = ?", characterID, expDate).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSnapshotsRange returns snapshots for a character with exp_date in
// [from, to], ascending. Empty from/to leave that bound open. This is the
// read path the charting UI consumes.
func ListSnapshotsRange(ctx context.Context, db *gorm.DB, characterID, from, to string) ([]domain.Snapshot, error) {
	q := db.WithContext(ctx).
		Where("character_id = ?", characterID)
	if from != "" {
		q = q.Where("exp_date >= ?", from)
	}
	if to != "" {
		q = q.Where("exp_date <= ?", to)
	}
	var out []domain.Snapshot
	err := q.Order("exp_date asc").Find(&out).Error
	return out, err
}

// CountSnapshots returns the number of snapshot rows for a character.
func CountSnapshots(ctx context.Context, db *gorm.DB, characterID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Snapshot{}).
		Where("character_id = ?", characterID).
		Count(&total).Error
	return total, err
}
