// Character HTTP handlers.
//
// Endpoints for registering characters into tracking, reading their
// ingestion status, requesting a manual refresh, and listing snapshot
// history. Handlers are transport-thin: they validate input, delegate to
// services, and translate service errors into HTTP results.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkrol/go-tracker-backend/internal/domain"
	"github.com/dkrol/go-tracker-backend/internal/services"
)

// Handlers bundles the services the HTTP layer depends on.
type Handlers struct {
	chars *services.CharacterService
	sched *services.Scheduler
}

// New constructs the handler set.
func New(chars *services.CharacterService, sched *services.Scheduler) *Handlers {
	return &Handlers{chars: chars, sched: sched}
}

// RegisterCharacterRequest is the JSON payload for adding a character.
type RegisterCharacterRequest struct {
	Name   string `json:"name"   binding:"required" example:"Sir Aldric"`
	Server string `json:"server" binding:"required" example:"rubinot"`
	World  string `json:"world"  binding:"required" example:"Aurora"`
}

// RegisterCharacter adds a character to tracking. The new character is
// scheduled immediately; its first snapshot appears after the next tick.
//
// POST /characters
func (h *Handlers) RegisterCharacter(c *gin.Context) {
	var req RegisterCharacterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name, server and world are required")
		return
	}

	char, err := h.chars.Register(c.Request.Context(), req.Name, req.Server, req.World)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidIdentity):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		case errors.Is(err, services.ErrDuplicateCharacter):
			fail(c, http.StatusConflict, ErrCodeConflict, "character already tracked")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, char)
}

// CharacterListResponse is the paginated character listing envelope.
type CharacterListResponse struct {
	Items    []domain.Character `json:"items"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// ListCharacters returns a page of tracked characters.
//
// GET /characters?page=&page_size=
func (h *Handlers) ListCharacters(c *gin.Context) {
	page := atoiDefault(c.Query("page"), 1)
	pageSize := atoiDefault(c.Query("page_size"), 20)

	items, total, err := h.chars.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, CharacterListResponse{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetCharacter returns one tracked character.
//
// GET /characters/:id
func (h *Handlers) GetCharacter(c *gin.Context) {
	char, err := h.chars.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrCharacterNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "character not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, char)
}

// GetIngestionStatus returns the error/backoff bookkeeping for one
// character, for the UI's degraded-data badge.
//
// GET /characters/:id/status
func (h *Handlers) GetIngestionStatus(c *gin.Context) {
	st, err := h.chars.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrCharacterNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "character not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, st)
}

// RefreshResponse reports the synchronous outcome of a manual refresh.
// Error carries the human-readable failure cause for non-success outcomes;
// the cycle result itself is delivered with HTTP 200 either way.
type RefreshResponse struct {
	Outcome   services.CycleOutcome `json:"outcome"`
	Anomaly   bool                  `json:"anomaly,omitempty"`
	Snapshot  *domain.Snapshot      `json:"snapshot,omitempty"`
	NextDueAt *time.Time            `json:"next_due_at,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// RequestManualRefresh triggers a prioritized fetch cycle and waits for it.
// The refresh shares the single-flight guard and per-source budgets with
// scheduled runs, so it cannot duplicate work or starve the queue.
//
// POST /characters/:id/refresh
func (h *Handlers) RequestManualRefresh(c *gin.Context) {
	res, err := h.sched.RequestManualRefresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCharacterNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "character not found")
		case errors.Is(err, services.ErrCharacterInactive):
			fail(c, http.StatusGone, ErrCodeGone, "character is inactive")
		case errors.Is(err, services.ErrCycleInFlight):
			fail(c, http.StatusConflict, ErrCodeRefreshInFlight, "a refresh is already running")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	resp := RefreshResponse{
		Outcome:   res.Outcome,
		Anomaly:   res.Anomaly,
		Snapshot:  res.Snapshot,
		NextDueAt: res.NextDueAt,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	ok(c, http.StatusOK, resp)
}

// ListSnapshots returns a character's snapshot history, optionally bounded
// by from/to exp_dates (YYYY-MM-DD, inclusive).
//
// GET /characters/:id/snapshots?from=&to=
func (h *Handlers) ListSnapshots(c *gin.Context) {
	snaps, err := h.chars.Snapshots(c.Request.Context(), c.Param("id"), c.Query("from"), c.Query("to"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCharacterNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "character not found")
		case errors.Is(err, services.ErrInvalidDate):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from/to must be formatted YYYY-MM-DD")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, snaps)
}

// atoiDefault parses s as an int, returning def on empty or invalid input.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
