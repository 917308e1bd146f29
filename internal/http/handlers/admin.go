package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
)

const lockHistoryLimit = 20

// AdminHandler serves lockout administration for admins
type AdminHandler struct {
	authService *auth.Service
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(authService *auth.Service) *AdminHandler {
	return &AdminHandler{authService: authService}
}

// unlockRequest is the request body for POST /admin/unlock
type unlockRequest struct {
	Email string `json:"email" validate:"required,max=254"`
}

type attemptResponse struct {
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type lockStatusResponse struct {
	Email            string            `json:"email"`
	Locked           bool              `json:"locked"`
	LockedUntil      *time.Time        `json:"locked_until,omitempty"`
	MinutesRemaining int               `json:"minutes_remaining"`
	Failures         int               `json:"failures"`
	Attempts         []attemptResponse `json:"attempts"`
}

// HandleLockStatus handles GET /admin/locks?email=
func (h *AdminHandler) HandleLockStatus(w http.ResponseWriter, r *http.Request) {
	email := auth.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}

	st, history, err := h.authService.LockStatus(r.Context(), email, lockHistoryLimit)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	resp := lockStatusResponse{
		Email:    email,
		Locked:   st.Locked,
		Failures: st.Failures,
		Attempts: attemptsResponse(history),
	}
	if st.Locked {
		until := st.LockedUntil.UTC()
		resp.LockedUntil = &until
		resp.MinutesRemaining = (&autherror.AccountLockedError{Remaining: st.Remaining}).MinutesRemaining()
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// HandleUnlock handles POST /admin/unlock
func (h *AdminHandler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req unlockRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	unlocked, err := h.authService.Unlock(r.Context(), strings.TrimSpace(req.Email), claims.Email)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"unlocked": unlocked})
}

func attemptsResponse(history []model.LoginAttempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(history))
	for _, a := range history {
		out = append(out, attemptResponse{
			IP:            a.IP,
			UserAgent:     a.UserAgent,
			Success:       a.Success,
			FailureReason: a.FailureReason,
			CreatedAt:     a.CreatedAt.UTC(),
		})
	}
	return out
}
