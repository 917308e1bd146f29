package handlers

import (
	"net/http"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
)

// TwoFactorHandler serves the enrolment endpoints for the signed-in user
type TwoFactorHandler struct {
	authService *auth.Service
}

// NewTwoFactorHandler creates a new two-factor handler
func NewTwoFactorHandler(authService *auth.Service) *TwoFactorHandler {
	return &TwoFactorHandler{authService: authService}
}

// enableRequest is the request body for POST /auth/2fa/enable
type enableRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=email sms whatsapp totp"`
}

type enrollmentResponse struct {
	Method      auth.Method `json:"method"`
	BackupCodes []string    `json:"backup_codes"`
	TOTPURI     string      `json:"totp_uri,omitempty"`
}

type statusResponse struct {
	Enabled              bool        `json:"enabled"`
	Method               auth.Method `json:"method,omitempty"`
	BackupCodesRemaining int         `json:"backup_codes_remaining"`
}

// HandleStatus handles GET /auth/2fa/status
func (h *TwoFactorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	st, err := h.authService.TwoFactorStatus(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	resp := statusResponse{Enabled: st.Enabled, BackupCodesRemaining: st.BackupCodesRemaining}
	if st.Enabled {
		resp.Method = st.Method
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// HandleEnable handles POST /auth/2fa/enable. An empty method means email.
func (h *TwoFactorHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req enableRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	method, err := auth.ParseMethod(req.Method)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	enrollment, err := h.authService.EnableTwoFactor(r.Context(), userID, method)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, enrollmentResponse{
		Method:      enrollment.Method,
		BackupCodes: enrollment.BackupCodes,
		TOTPURI:     enrollment.TOTPURI,
	})
}

// HandleDisable handles POST /auth/2fa/disable
func (h *TwoFactorHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	disabled, err := h.authService.DisableTwoFactor(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"disabled": disabled})
}

// HandleRegenerateBackupCodes handles POST /auth/2fa/backup-codes
func (h *TwoFactorHandler) HandleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	codes, err := h.authService.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string][]string{"backup_codes": codes})
}
