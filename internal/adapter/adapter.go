// Package adapter defines the contract between the ingestion engine and the
// per-game-server fetchers. Each game server publishes character profiles in
// its own format; an Adapter hides that behind a single Fetch method that
// returns either a normalized RawState or a typed FetchError.
//
// The engine never inspects pages itself. It branches only on the failure
// taxonomy (NotFound / Transient / ParseError), so new servers are added by
// registering another Adapter, not by editing the engine.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity names one character on one game server.
type Identity struct {
	Name   string
	Server string // adapter registry key, e.g. "rubinot"
	World  string
}

// RawState is a normalized point-in-time character profile as reported by
// the source. Experience is cumulative and non-negative; deltas are computed
// downstream by the reconciler, never by adapters.
type RawState struct {
	Name       string
	Level      int
	Vocation   string
	Experience int64
	Deaths     int
	Guild      string
	World      string
	Residence  string
	Online     bool
	OutfitURL  string
	ProfileURL string
	CapturedAt time.Time
}

// FailKind classifies a fetch failure. The ingestion engine branches on it:
// NotFound deactivates the character, Transient and Parse back off and retry
// (Parse is surfaced distinctly because it signals adapter drift rather than
// target unavailability).
type FailKind string

const (
	KindNotFound  FailKind = "not_found"
	KindTransient FailKind = "transient"
	KindParse     FailKind = "parse_error"
)

// FetchError is the typed failure returned by adapters.
type FetchError struct {
	Kind FailKind
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *FetchError) Unwrap() error { return e.Err }

// NotFound wraps err as a terminal character-gone failure.
func NotFound(err error) *FetchError { return &FetchError{Kind: KindNotFound, Err: err} }

// Transient wraps err as a retryable network/timeout/rate-limit failure.
func Transient(err error) *FetchError { return &FetchError{Kind: KindTransient, Err: err} }

// ParseFailure wraps err as a source-format failure.
func ParseFailure(err error) *FetchError { return &FetchError{Kind: KindParse, Err: err} }

// KindOf extracts the failure kind from err. Errors that are not a
// *FetchError (including bare context deadline errors escaping an adapter)
// are treated as transient, the safe default for retry bookkeeping.
func KindOf(err error) FailKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Adapter fetches the current state of one character. Implementations must
// honor ctx cancellation; the engine enforces the fetch timeout through it.
type Adapter interface {
	Fetch(ctx context.Context, id Identity) (*RawState, error)
}
