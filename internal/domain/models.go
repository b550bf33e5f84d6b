// Package domain defines the persistence models for tracked characters and
// their daily snapshots. These types are mapped with GORM and form the core
// data layer of the snapshot ingestion engine.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// ExpDateLayout is the storage format for Snapshot.ExpDate (a calendar date
// in the scheduling timezone, without a time component).
const ExpDateLayout = "2006-01-02"

// Character is the identity and current rollup state of a tracked character.
// Level, vocation, guild and world are caches of the latest snapshot so the
// UI can render lists without joining snapshot history.
//
// Scheduling invariant: NextDueAt is non-nil whenever Active is true, and is
// advanced only by the ingestion engine (never by user-facing CRUD). A
// NotFound fetch result clears it together with Active.
type Character struct {
	ID     string `json:"id"     gorm:"type:char(36);primaryKey"`
	Name   string `json:"name"   gorm:"type:varchar(64);not null;uniqueIndex:ux_characters_identity,priority:1"`
	Server string `json:"server" gorm:"type:varchar(32);not null;uniqueIndex:ux_characters_identity,priority:2"`
	World  string `json:"world"  gorm:"type:varchar(32);not null;uniqueIndex:ux_characters_identity,priority:3"`

	// Rollup fields cached from the latest snapshot.
	Level    int    `json:"level"`
	Vocation string `json:"vocation" gorm:"type:varchar(32)"`
	Guild    string `json:"guild"    gorm:"type:varchar(64)"`

	// Scheduling and health bookkeeping, owned by the ingestion engine.
	Active        bool       `json:"active"          gorm:"not null;default:true;index:idx_characters_due,priority:1"`
	ErrorCount    int        `json:"error_count"     gorm:"not null;default:0"`
	LastError     string     `json:"last_error,omitempty" gorm:"type:varchar(512)"`
	NeedsReview   bool       `json:"needs_review"    gorm:"not null;default:false"`
	AnomalyAt     *time.Time `json:"anomaly_at,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	NextDueAt     *time.Time `json:"next_due_at,omitempty" gorm:"index:idx_characters_due,priority:2"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Character.
func (Character) TableName() string { return "characters" }

// Snapshot is one dated observation of a character's stats.
//
// ExpDate is the business date the experience delta is attributed to;
// ScrapedAt is the wall-clock time of the fetch that produced the row. The
// two are distinct on purpose: dedup runs on ExpDate, never on ScrapedAt.
// The composite unique index on (character_id, exp_date) is the central
// constraint of the subsystem: a same-day re-fetch updates in place
// instead of inserting a duplicate row.
type Snapshot struct {
	ID          string `json:"id"           gorm:"type:char(36);primaryKey"`
	CharacterID string `json:"character_id" gorm:"type:char(36);not null;uniqueIndex:ux_snapshots_character_day,priority:1"`
	// Stored as plain text so the 2006-01-02 string survives the round trip;
	// a SQL date type would come back from the driver as a full timestamp.
	ExpDate     string `json:"exp_date"     gorm:"type:varchar(10);not null;uniqueIndex:ux_snapshots_character_day,priority:2"`

	ScrapedAt        time.Time `json:"scraped_at" gorm:"not null"`
	Level            int       `json:"level"`
	Experience       int64     `json:"experience"        gorm:"not null"`
	ExperienceGained int64     `json:"experience_gained" gorm:"not null;default:0"`
	Deaths           int       `json:"deaths"`
	Vocation         string    `json:"vocation" gorm:"type:varchar(32)"`
	World            string    `json:"world"    gorm:"type:varchar(32)"`
	Guild            string    `json:"guild"    gorm:"type:varchar(64)"`

	// Source metadata copied verbatim from the fetch.
	OutfitURL  string `json:"outfit_url,omitempty"  gorm:"type:varchar(512)"`
	ProfileURL string `json:"profile_url,omitempty" gorm:"type:varchar(512)"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Character is the owning identity. Snapshots are cascade-deleted when
	// the character row is removed by user-facing CRUD.
	Character Character `json:"-" gorm:"foreignKey:CharacterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Snapshot.
func (Snapshot) TableName() string { return "snapshots" }
