package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/mask"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *auth.Service
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.Service) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// registerRequest is the request body for POST /auth/register
type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Phone    string `json:"phone" validate:"omitempty,max=32"`
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// sessionResponse is returned once a login is complete
type sessionResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	ExpiresAt   time.Time     `json:"expires_at"`
	User        *auth.Profile `json:"user"`
}

// challengeResponse is returned when the second factor is still pending
type challengeResponse struct {
	TwoFactorRequired bool        `json:"two_factor_required"`
	ChallengeToken    string      `json:"challenge_token"`
	Method            auth.Method `json:"method"`
	CodeExpiresAt     *time.Time  `json:"code_expires_at,omitempty"`
}

// verifyTwoFactorRequest is the request body for POST /auth/2fa/verify
type verifyTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,max=16"`
}

// resendTwoFactorRequest is the request body for POST /auth/2fa/resend
type resendTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
}

// HandleRegister handles POST /auth/register
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	profile, err := h.authService.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Phone:    req.Phone,
	})
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, profile)
}

// HandleLogin handles POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.authService.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		logMaskedEmail(req.Email, "Login refused", err)
		respondWithServiceError(w, err)
		return
	}
	if result.TwoFactorRequired {
		respondWithJSON(w, http.StatusOK, newChallengeResponse(result.Challenge))
		return
	}
	respondWithJSON(w, http.StatusOK, newSessionResponse(result))
}

// HandleVerifyTwoFactor handles POST /auth/2fa/verify
func (h *AuthHandler) HandleVerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req verifyTwoFactorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.authService.VerifyTwoFactor(r.Context(), req.ChallengeToken, req.Code, requestMeta(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newSessionResponse(result))
}

// HandleResendTwoFactor handles POST /auth/2fa/resend
func (h *AuthHandler) HandleResendTwoFactor(w http.ResponseWriter, r *http.Request) {
	var req resendTwoFactorRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	challenge, err := h.authService.ResendTwoFactor(r.Context(), req.ChallengeToken, requestMeta(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newChallengeResponse(challenge))
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.authService.Profile(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, profile)
}

func newSessionResponse(result *auth.LoginResult) sessionResponse {
	return sessionResponse{
		AccessToken: result.Token,
		TokenType:   "bearer",
		ExpiresAt:   result.ExpiresAt.UTC(),
		User:        result.User,
	}
}

func newChallengeResponse(c *auth.Challenge) challengeResponse {
	resp := challengeResponse{
		TwoFactorRequired: true,
		ChallengeToken:    c.Token,
		Method:            c.Method,
	}
	if !c.CodeExpiresAt.IsZero() {
		t := c.CodeExpiresAt.UTC()
		resp.CodeExpiresAt = &t
	}
	return resp
}

// logMaskedEmail logs a message with masked email address
func logMaskedEmail(email, msg string, err error) {
	log.Printf("Email %s: %s: %v", mask.Email(email), msg, err)
}
