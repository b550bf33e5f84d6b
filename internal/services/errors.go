// Package services implements the snapshot ingestion core: reconciliation,
// the per-character ingestion cycle, and the scheduler that drives cycles
// across the tracked population. This file centralizes service-level error
// values so they can be consistently returned by service methods and
// translated to HTTP responses at the handler layer.
package services

import "errors"

var (
	// ErrCharacterNotFound indicates that the requested character is not
	// tracked (or was deleted by user-facing CRUD).
	ErrCharacterNotFound = errors.New("character not found")

	// ErrCharacterInactive is returned when a manual refresh targets a
	// character that was deactivated (e.g. after a NotFound fetch result).
	// Reactivation is an explicit user action, not a refresh side effect.
	ErrCharacterInactive = errors.New("character is inactive")

	// ErrCycleInFlight is returned when a refresh is requested while a cycle
	// for the same character is already running. The single-flight guard
	// rejects the second request instead of queueing it.
	ErrCycleInFlight = errors.New("a fetch cycle is already in flight for this character")

	// ErrDuplicateCharacter indicates the (name, server, world) identity is
	// already tracked.
	ErrDuplicateCharacter = errors.New("character already tracked")

	// ErrInvalidIdentity is returned when a registration request is missing
	// a name, server or world.
	ErrInvalidIdentity = errors.New("name, server and world are required")

	// ErrInvalidDate is returned when a snapshot range bound is not a
	// YYYY-MM-DD date.
	ErrInvalidDate = errors.New("date must be formatted YYYY-MM-DD")
)
