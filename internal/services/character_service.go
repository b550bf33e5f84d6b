// Package services – CharacterService
//
// This file implements the thin read/registration surface the HTTP layer
// consumes: adding a character to tracking, paginated listing, ingestion
// status for the UI badge, and snapshot history reads for charts. It holds
// no scheduling logic; a newly registered character is simply created due
// immediately and the scheduler picks it up on its next tick.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dkrol/go-tracker-backend/internal/domain"
	"github.com/dkrol/go-tracker-backend/internal/repo"
)

// IngestionStatus is the per-character health view exposed to the UI:
// error bookkeeping, review flag and the next scheduled fetch.
type IngestionStatus struct {
	CharacterID   string     `json:"character_id"`
	Active        bool       `json:"active"`
	ErrorCount    int        `json:"error_count"`
	LastError     string     `json:"last_error,omitempty"`
	NeedsReview   bool       `json:"needs_review"`
	AnomalyAt     *time.Time `json:"anomaly_at,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	NextDueAt     *time.Time `json:"next_due_at,omitempty"`
}

// CharacterService provides registration and read operations over tracked
// characters and their snapshot history.
type CharacterService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now is a clock seam for tests; nil means time.Now.
	Now func() time.Time
}

func (s *CharacterService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Register adds a character to tracking. The identity is normalized
// (trimmed, inner whitespace collapsed) and must be unique per
// (name, server, world). The new character is active and due immediately.
func (s *CharacterService) Register(ctx context.Context, name, server, world string) (*domain.Character, error) {
	name = normalizeIdentity(name)
	server = strings.ToLower(normalizeIdentity(server))
	world = normalizeIdentity(world)
	if name == "" || server == "" || world == "" {
		return nil, ErrInvalidIdentity
	}

	c, err := repo.CreateCharacter(ctx, s.DB, name, server, world, s.now())
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateCharacter) {
			return nil, ErrDuplicateCharacter
		}
		return nil, err
	}
	return c, nil
}

// Get returns one tracked character by ID.
func (s *CharacterService) Get(ctx context.Context, id string) (*domain.Character, error) {
	c, err := repo.GetCharacter(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCharacterNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListPage returns a page of tracked characters and the total count.
// Invalid page/pageSize values fall back to defaults.
func (s *CharacterService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Character, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountCharacters(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Character{}, 0, nil
	}

	items, err := repo.ListCharactersPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// Status returns the ingestion health view for one character.
func (s *CharacterService) Status(ctx context.Context, id string) (*IngestionStatus, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &IngestionStatus{
		CharacterID:   c.ID,
		Active:        c.Active,
		ErrorCount:    c.ErrorCount,
		LastError:     c.LastError,
		NeedsReview:   c.NeedsReview,
		AnomalyAt:     c.AnomalyAt,
		LastFetchedAt: c.LastFetchedAt,
		NextDueAt:     c.NextDueAt,
	}, nil
}

// Snapshots returns the character's snapshot history with exp_date in
// [from, to] ascending. Empty bounds are open; non-empty bounds must be
// YYYY-MM-DD dates.
func (s *CharacterService) Snapshots(ctx context.Context, id, from, to string) ([]domain.Snapshot, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(domain.ExpDateLayout, d); err != nil {
			return nil, ErrInvalidDate
		}
	}
	return repo.ListSnapshotsRange(ctx, s.DB, id, from, to)
}

// normalizeIdentity trims whitespace and collapses inner runs to one space.
func normalizeIdentity(s string) string {
	return identityWS.ReplaceAllString(strings.TrimSpace(s), " ")
}

// identityWS collapses consecutive whitespace to a single space.
var identityWS = regexp.MustCompile(`\s+`)
