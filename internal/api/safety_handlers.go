package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/beacon/internal/auth"
	"github.com/onnwee/beacon/internal/middleware"
	"github.com/onnwee/beacon/internal/safety"
)

// SafetyHandlers provides the HTTP fallback for safety events. Clients that
// cannot hold a websocket open (or are draining their offline queue over
// plain HTTP) submit events here; routing and fan-out are identical to the
// websocket path.
type SafetyHandlers struct {
	router   *safety.Router
	store    safety.EventStore
	verifier *auth.Verifier
}

// NewSafetyHandlers creates the safety event HTTP handlers.
func NewSafetyHandlers(router *safety.Router, store safety.EventStore, verifier *auth.Verifier) *SafetyHandlers {
	return &SafetyHandlers{
		router:   router,
		store:    store,
		verifier: verifier,
	}
}

// SOSRequest is the body for POST /v1/safety/sos.
type SOSRequest struct {
	UserID      string          `json:"user_id"`
	Type        string          `json:"type"`
	Location    safety.Location `json:"location"`
	Description string          `json:"description,omitempty"`
}

// CheckInRequest is the body for POST /v1/safety/checkin.
type CheckInRequest struct {
	UserID   string          `json:"user_id"`
	TripID   string          `json:"trip_id"`
	Location safety.Location `json:"location"`
	Status   string          `json:"status"`
	Notes    string          `json:"notes,omitempty"`
}

// EventResponse is returned for accepted safety events.
type EventResponse struct {
	AlertID   string `json:"alert_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return after
	}
	return ""
}

// authenticate validates the bearer token against the claimed user ID and
// tags the request context for rate limiting and logging.
func (h *SafetyHandlers) authenticate(w http.ResponseWriter, r *http.Request, userID string) bool {
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return false
	}

	token := bearerToken(r)
	if token == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authorization header with bearer token is required")
		return false
	}

	if err := h.verifier.Authenticate(r.Context(), userID, token); err != nil {
		slog.InfoContext(r.Context(), "http authentication failed", "user_id", userID, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "invalid credentials")
		return false
	}
	return true
}

// SOS handles POST /v1/safety/sos.
func (h *SafetyHandlers) SOS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req SOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if !h.authenticate(w, r, req.UserID) {
		return
	}

	event := safety.NewSOS(req.UserID, middleware.GetIdempotencyKey(r.Context()), safety.SOSDetails{
		Type:        req.Type,
		Location:    req.Location,
		Description: req.Description,
	})
	h.handleEvent(w, r, event)
}

// CheckIn handles POST /v1/safety/checkin.
func (h *SafetyHandlers) CheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if !h.authenticate(w, r, req.UserID) {
		return
	}

	event := safety.NewCheckIn(req.UserID, middleware.GetIdempotencyKey(r.Context()), safety.CheckInDetails{
		TripID:   req.TripID,
		Location: req.Location,
		Status:   req.Status,
		Notes:    req.Notes,
	})
	h.handleEvent(w, r, event)
}

// handleEvent routes the event and writes the response shared by both endpoints.
func (h *SafetyHandlers) handleEvent(w http.ResponseWriter, r *http.Request, event *safety.Event) {
	ctx := middleware.SetUserID(r.Context(), event.UserID)
	middleware.UpdateResponseContext(w, ctx)

	ack, err := h.router.Handle(ctx, event)
	if err != nil {
		if safety.IsValidation(err) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		slog.ErrorContext(ctx, "failed to route safety event", "user_id", event.UserID, "kind", event.Kind, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodePersistenceFailed)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodePersistenceFailed, "event not stored, please retry")
		return
	}

	status := http.StatusCreated
	if ack.Duplicate {
		status = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(EventResponse{AlertID: ack.EventID, Duplicate: ack.Duplicate}); err != nil {
		slog.ErrorContext(ctx, "failed to encode event response", "error", err)
	}
}

// GetEvent handles GET /v1/safety/events/{id}. It serves the catch-up read
// path for recipients that were offline during fan-out.
func (h *SafetyHandlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/safety/events/")
	if id == "" || strings.Contains(id, "/") {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "event id is required")
		return
	}

	event, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, safety.ErrEventNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "event not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to load safety event", "event_id", id, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to load event")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(event); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode event", "error", err)
	}
}
