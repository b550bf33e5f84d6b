// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Character
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Scheduling policy (what to do with a
// due character) lives in the services layer.
//
// Error semantics:
//   - When a character is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dkrol/go-tracker-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across the service
// layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicateCharacter indicates that a character with the same
// (name, server, world) identity is already tracked.
var ErrDuplicateCharacter = errors.New("character already tracked")

// CreateCharacter inserts a new tracked character. The character starts
// active and due at dueAt, so the scheduler picks it up on the next tick.
// Returns ErrDuplicateCharacter when the identity is already tracked.
func CreateCharacter(ctx context.Context, db *gorm.DB, name, server, world string, dueAt time.Time) (*domain.Character, error) {
	c := &domain.Character{
		ID:        uuid.NewString(),
		Name:      name,
		Server:    server,
		World:     world,
		Active:    true,
		NextDueAt: &dueAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCharacter
		}
		return nil, err
	}
	return c, nil
}

// GetCharacter fetches a character by ID, or ErrNotFound.
func GetCharacter(ctx context.Context, db *gorm.DB, id string) (*domain.Character, error) {
	var c domain.Character
	if err := db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListDueCharacters returns active characters whose next_due_at has passed,
// oldest due first so long-waiting characters cannot be starved by newer
// ones. limit bounds the batch per scheduler tick; limit <= 0 means no cap.
func ListDueCharacters(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Character, error) {
	var out []domain.Character
	q := db.WithContext(ctx).
		Where("active = ? AND next_due_at IS NOT NULL AND next_due_at <= ?", true, now).
		Order("next_due_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountCharacters returns the total number of tracked characters.
func CountCharacters(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Character{}).Count(&total).Error
	return total, err
}

// ListCharactersPage returns a page of characters ordered by name.
// The caller computes offset and limit (e.g., (page-1)*pageSize).
func ListCharactersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Character, error) {
	var out []domain.Character
	err := db.WithContext(ctx).
		Order("name asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateCharacterState applies a partial update to a character row. The
// fields map uses column names; nil values clear nullable columns (e.g.
// next_due_at when a character goes inactive). Returns ErrNotFound when the
// character does not exist.
func UpdateCharacterState(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.Character{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
