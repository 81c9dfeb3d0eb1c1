/**
 * @description
 * This file contains the HTTP handlers for the proof-service's API endpoints.
 * Handlers parse incoming requests, call the application service, and translate
 * its error kinds into HTTP status codes.
 *
 * @dependencies
 * - encoding/json, log, net/http, strconv: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For service logic, models, and error kinds.
 */

package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/proof-service/internal/app"
	"github.com/transfa/proof-service/internal/domain"
)

const attemptRateLimitScope = "attempt_request"

// ProofHandlers holds the application service that handlers will use.
type ProofHandlers struct {
	service      *app.Service
	limiter      app.RateLimiter
	attemptLimit int
}

// NewProofHandlers creates a new instance of ProofHandlers.
func NewProofHandlers(service *app.Service) *ProofHandlers {
	return &ProofHandlers{service: service}
}

// SetAttemptRateLimiter enables a per-requester limit of perMinute attempt requests.
func (h *ProofHandlers) SetAttemptRateLimiter(limiter app.RateLimiter, perMinute int) {
	h.limiter = limiter
	h.attemptLimit = perMinute
}

type registerRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
	ImageRef    string `json:"image_ref"`
}

type attachAccountRequest struct {
	Account domain.Address `json:"account"`
}

type updateStatusRequest struct {
	Status *domain.Status `json:"status"`
}

// RegisterHandler handles POST /identities.
func (h *ProofHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCallerAddress(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify caller")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	profile, err := h.service.Register(r.Context(), caller, req.Identity, req.DisplayName, req.ImageRef)
	if err != nil {
		writeServiceError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

// AttachAccountHandler handles PUT /identities/{identity}/account.
func (h *ProofHandlers) AttachAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCallerAddress(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify caller")
		return
	}

	var req attachAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	profile, err := h.service.AttachAccount(r.Context(), caller, chi.URLParam(r, "identity"), req.Account)
	if err != nil {
		writeServiceError(w, "attach_account", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// RequestAttemptHandler handles POST /identities/{identity}/attempts.
func (h *ProofHandlers) RequestAttemptHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCallerAddress(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify caller")
		return
	}

	if h.limiter != nil && h.attemptLimit > 0 {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), attemptRateLimitScope, caller.String(), h.attemptLimit, time.Minute)
		if err != nil {
			// Fail open while redis is unavailable.
			log.Printf("level=warn component=api op=request_attempt caller=%s msg=\"rate limiter unavailable\" err=%v", caller, err)
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, app.ErrRateLimited.Error())
			return
		}
	}

	receipt, err := h.service.RequestAttempt(r.Context(), caller, chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, "request_attempt", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// UpdateAttemptStatusHandler handles PUT /attempts/{attemptID}/status.
func (h *ProofHandlers) UpdateAttemptStatusHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := GetCallerAddress(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not identify caller")
		return
	}

	attemptID, ok := parseAttemptID(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == nil {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	attempt, err := h.service.UpdateAttemptStatus(r.Context(), caller, attemptID, *req.Status)
	if err != nil {
		writeServiceError(w, "update_attempt_status", err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// ListIdentitiesHandler handles GET /identities.
func (h *ProofHandlers) ListIdentitiesHandler(w http.ResponseWriter, r *http.Request) {
	identities, err := h.service.ListIdentities(r.Context())
	if err != nil {
		writeServiceError(w, "list_identities", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"identities": identities})
}

// GetProfileHandler handles GET /identities/{identity}.
func (h *ProofHandlers) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.GetProfile(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, "get_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// IdentityExistsHandler handles GET /identities/{identity}/exists.
func (h *ProofHandlers) IdentityExistsHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	exists, err := h.service.IdentityExists(r.Context(), identity)
	if err != nil {
		writeServiceError(w, "identity_exists", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"identity": strings.TrimSpace(identity), "exists": exists})
}

// GetUserStateHandler handles GET /identities/{identity}/state.
func (h *ProofHandlers) GetUserStateHandler(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetUserState(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, "get_user_state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// QuoteAttemptHandler handles GET /identities/{identity}/quote.
func (h *ProofHandlers) QuoteAttemptHandler(w http.ResponseWriter, r *http.Request) {
	quote, err := h.service.QuoteAttempt(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, "quote_attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ListAttemptsHandler handles GET /identities/{identity}/attempts.
func (h *ProofHandlers) ListAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListAttempts(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, "list_attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

// GetAttemptHandler handles GET /attempts/{attemptID}.
func (h *ProofHandlers) GetAttemptHandler(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := parseAttemptID(w, r)
	if !ok {
		return
	}
	attempt, err := h.service.GetAttempt(r.Context(), attemptID)
	if err != nil {
		writeServiceError(w, "get_attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func parseAttemptID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	attemptID, err := strconv.ParseUint(chi.URLParam(r, "attemptID"), 10, 64)
	if err != nil || attemptID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid attempt ID")
		return 0, false
	}
	return attemptID, true
}

// statusForKind maps a service error kind to its HTTP status.
func statusForKind(kind app.Kind) int {
	switch kind {
	case app.KindValidation:
		return http.StatusBadRequest
	case app.KindAuthorization:
		return http.StatusForbidden
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindState:
		return http.StatusConflict
	case app.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case app.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, op string, err error) {
	kind := app.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api op=%s msg=\"request failed\" err=%v", op, err)
		writeError(w, status, "Internal server error")
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
