package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/middleware"
)

var validate = validator.New()

// lockedResponse is the 423 body for a locked account
type lockedResponse struct {
	Error            string    `json:"error"`
	MinutesRemaining int       `json:"minutes_remaining"`
	LockedUntil      time.Time `json:"locked_until"`
}

// decodeRequest reads a JSON body into dst and runs its validate tags.
// On failure the response has been written and false is returned.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request body"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

// respondWithServiceError maps auth errors onto status codes. Crypto and
// storage failures are logged and reported without detail.
func respondWithServiceError(w http.ResponseWriter, err error) {
	var locked *autherror.AccountLockedError
	switch {
	case errors.As(err, &locked):
		respondWithJSON(w, http.StatusLocked, lockedResponse{
			Error:            "account locked",
			MinutesRemaining: locked.MinutesRemaining(),
			LockedUntil:      locked.LockedUntil.UTC(),
		})
	case errors.Is(err, autherror.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, autherror.ErrInvalidToken):
		respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, autherror.ErrInvalidTwoFactorCode):
		respondWithError(w, http.StatusUnauthorized, "invalid or expired code")
	case errors.Is(err, autherror.ErrBackupCodeExhausted):
		respondWithError(w, http.StatusUnauthorized, "no backup codes remaining")
	case errors.Is(err, autherror.ErrRateLimitExceeded):
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, autherror.ErrFieldValidation),
		errors.Is(err, autherror.ErrUnsupportedMethod):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, autherror.ErrTwoFactorNotEnabled):
		respondWithError(w, http.StatusConflict, "two-factor authentication not enabled")
	case errors.Is(err, autherror.ErrEmailAlreadyInUse):
		respondWithError(w, http.StatusConflict, "email already in use")
	case errors.Is(err, autherror.ErrChannelUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, "delivery channel unavailable")
	case errors.Is(err, autherror.ErrUserNotFound):
		respondWithError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, autherror.ErrInsufficientRole):
		respondWithError(w, http.StatusForbidden, "insufficient role")
	default:
		log.Printf("Request failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{IP: middleware.ClientIP(r), UserAgent: r.UserAgent()}
}
