package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/Emcas152/CRMv2-sub000/internal/audit"
	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/fieldcrypt"
	"github.com/Emcas152/CRMv2-sub000/internal/mask"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
	"github.com/Emcas152/CRMv2-sub000/internal/notify"
	"github.com/Emcas152/CRMv2-sub000/internal/repo"
)

// Method is a second-factor delivery method.
type Method string

const (
	MethodEmail    Method = "email"
	MethodSMS      Method = "sms"
	MethodWhatsApp Method = "whatsapp"
	MethodTOTP     Method = "totp"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodEmail, MethodSMS, MethodWhatsApp, MethodTOTP:
		return m, nil
	case "":
		return MethodEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", autherror.ErrUnsupportedMethod, s)
	}
}

// TwoFactorConfig configures the TwoFactorVerifier
type TwoFactorConfig struct {
	CodeLength      int
	CodeTTL         time.Duration
	BackupCodeCount int
	// Issuer labels TOTP entries in authenticator apps.
	Issuer string
	// HashKey keys the HMAC under which codes are stored.
	HashKey string
	// MaxAttempts is kept for configuration parity; verification does not
	// enforce it. Guessing is bounded by the two_factor_verify rate limit.
	MaxAttempts int
}

// DefaultTwoFactorConfig returns 6-digit codes valid for 5 minutes and 10 backup codes.
func DefaultTwoFactorConfig() TwoFactorConfig {
	return TwoFactorConfig{
		CodeLength:      6,
		CodeTTL:         5 * time.Minute,
		BackupCodeCount: 10,
		Issuer:          "CRM",
		MaxAttempts:     5,
	}
}

// RequestMeta carries the caller's network identity
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Enrollment is returned when 2FA is enabled
type Enrollment struct {
	Method      Method
	BackupCodes []string
	// TOTPURI is the otpauth:// provisioning URI, only for MethodTOTP.
	TOTPURI string
}

// TwoFactorStatus summarises a user's enrolment
type TwoFactorStatus struct {
	Enabled              bool
	Method               Method
	BackupCodesRemaining int
}

// TwoFactorVerifier issues and checks one-time codes and backup codes
type TwoFactorVerifier struct {
	cfg      TwoFactorConfig
	repo     repo.TwoFactorRepo
	notifier notify.Notifier
	cipher   *fieldcrypt.Cipher
	audit    audit.Sink
	clock    clock.Clock
}

// NewTwoFactorVerifier creates a TwoFactorVerifier. A nil sink records nothing.
func NewTwoFactorVerifier(
	cfg TwoFactorConfig,
	tfRepo repo.TwoFactorRepo,
	notifier notify.Notifier,
	cipher *fieldcrypt.Cipher,
	sink audit.Sink,
	clk clock.Clock,
) (*TwoFactorVerifier, error) {
	if cfg.HashKey == "" {
		return nil, errors.New("two-factor hash key is required")
	}
	if cfg.CodeLength < 4 || cfg.CodeLength > 10 {
		return nil, fmt.Errorf("two-factor code length %d out of range 4..10", cfg.CodeLength)
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &TwoFactorVerifier{cfg: cfg, repo: tfRepo, notifier: notifier, cipher: cipher, audit: sink, clock: clk}, nil
}

// IsEnabled reports whether the user has 2FA turned on.
func (v *TwoFactorVerifier) IsEnabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	s, _, err := v.repo.GetSettings(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.Enabled, nil
}

// Status returns the user's enrolment and remaining backup codes.
func (v *TwoFactorVerifier) Status(ctx context.Context, userID uuid.UUID) (TwoFactorStatus, error) {
	s, _, err := v.repo.GetSettings(ctx, userID)
	if err != nil {
		return TwoFactorStatus{}, err
	}
	st := TwoFactorStatus{Enabled: s.Enabled, Method: Method(s.Method)}
	if s.Enabled {
		if st.BackupCodesRemaining, err = v.repo.CountUnusedBackupCodes(ctx, userID); err != nil {
			return TwoFactorStatus{}, err
		}
	}
	return st, nil
}

// Enable turns on 2FA with method and issues a fresh set of backup codes.
// For TOTP a new secret is provisioned for accountName.
func (v *TwoFactorVerifier) Enable(ctx context.Context, userID uuid.UUID, method Method, accountName string) (Enrollment, error) {
	method, err := ParseMethod(string(method))
	if err != nil {
		return Enrollment{}, err
	}

	now := v.clock.Now()
	settings := model.TwoFactorSettings{UserID: userID, Enabled: true, Method: string(method), UpdatedAt: now}
	enrollment := Enrollment{Method: method}

	if method == MethodTOTP {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: v.cfg.Issuer, AccountName: accountName})
		if err != nil {
			return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
		}
		sealed, err := v.cipher.Encrypt(key.Secret())
		if err != nil {
			return Enrollment{}, fmt.Errorf("seal totp secret: %w", err)
		}
		settings.TOTPSecret = sealed
		enrollment.TOTPURI = key.URL()
	}

	if err := v.repo.UpsertSettings(ctx, settings); err != nil {
		return Enrollment{}, err
	}
	codes, err := v.GenerateBackupCodes(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	enrollment.BackupCodes = codes

	audit.Record(ctx, v.audit, audit.Event{
		Action:  audit.ActionTwoFactorEnabled,
		UserID:  userID.String(),
		Details: map[string]string{"method": string(method)},
		At:      now,
	})
	return enrollment, nil
}

// Disable turns 2FA off and invalidates pending codes and backup codes.
// It reports whether 2FA had been enabled.
func (v *TwoFactorVerifier) Disable(ctx context.Context, userID uuid.UUID) (bool, error) {
	s, found, err := v.repo.GetSettings(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found || !s.Enabled {
		return false, nil
	}

	now := v.clock.Now()
	if err := v.repo.UpsertSettings(ctx, model.TwoFactorSettings{UserID: userID, Enabled: false, Method: s.Method, UpdatedAt: now}); err != nil {
		return false, err
	}
	if err := v.repo.DeleteBackupCodes(ctx, userID); err != nil {
		return false, err
	}
	if err := v.repo.ExpirePendingCodes(ctx, userID, now); err != nil {
		return false, err
	}

	audit.Record(ctx, v.audit, audit.Event{Action: audit.ActionTwoFactorDisabled, UserID: userID.String(), At: now})
	return true, nil
}

// GenerateCode issues a new code, invalidating any live one, and hands it to
// the notifier. If delivery fails the new code is expired too and the error
// (ErrChannelUnavailable for SMS/WhatsApp) is returned.
func (v *TwoFactorVerifier) GenerateCode(ctx context.Context, userID uuid.UUID, recipient string, method Method, meta RequestMeta) (time.Time, error) {
	if method == MethodTOTP {
		return time.Time{}, fmt.Errorf("%w: totp codes come from the authenticator app", autherror.ErrUnsupportedMethod)
	}
	method, err := ParseMethod(string(method))
	if err != nil {
		return time.Time{}, err
	}

	code, err := randomDigits(v.cfg.CodeLength)
	if err != nil {
		return time.Time{}, fmt.Errorf("generate code: %w", err)
	}

	now := v.clock.Now()
	rec := model.TwoFactorCode{
		ID:        uuid.New(),
		UserID:    userID,
		CodeHash:  v.hashCode(userID, code),
		Method:    string(method),
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(v.cfg.CodeTTL),
	}
	if err := v.repo.ReplaceCode(ctx, rec, now); err != nil {
		return time.Time{}, err
	}

	msg := notify.Message{
		Channel:   notify.Channel(method),
		Recipient: recipient,
		Subject:   "Your verification code",
		Body:      fmt.Sprintf("Your verification code is %s. It expires in %s.", code, describeTTL(v.cfg.CodeTTL)),
	}
	if err := v.notifier.Send(ctx, msg); err != nil {
		if expErr := v.repo.ExpireCode(ctx, rec.ID, now); expErr != nil {
			log.Printf("2fa: failed to expire undelivered code for user %s: %v", userID, expErr)
		}
		return time.Time{}, fmt.Errorf("deliver code via %s: %w", method, err)
	}

	audit.Record(ctx, v.audit, audit.Event{
		Action:  audit.ActionTwoFactorCodeSent,
		UserID:  userID.String(),
		IP:      meta.IP,
		Details: map[string]string{"method": string(method), "to": maskRecipient(method, recipient)},
		At:      now,
	})
	return rec.ExpiresAt, nil
}

// VerifyCode checks a submitted code. For TOTP users the authenticator code is
// validated; otherwise the newest live stored code is consumed. A mismatch
// returns false with a nil error.
func (v *TwoFactorVerifier) VerifyCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	now := v.clock.Now()

	s, _, err := v.repo.GetSettings(ctx, userID)
	if err != nil {
		return false, err
	}

	var ok bool
	if s.Enabled && Method(s.Method) == MethodTOTP {
		ok, err = v.verifyTOTP(s, code, now)
		if err != nil {
			return false, err
		}
	} else if isDigits(code, v.cfg.CodeLength) {
		ok, err = v.repo.ConsumeCode(ctx, userID, v.hashCode(userID, code), now)
		if err != nil {
			return false, err
		}
	}

	if !ok {
		v.recordFailure(ctx, userID, "code", code, now)
		return false, nil
	}
	audit.Record(ctx, v.audit, audit.Event{Action: audit.ActionTwoFactorVerified, UserID: userID.String(), At: now})
	return true, nil
}

// VerifyBackupCode consumes a backup code. The match and the mark-used happen
// in one statement, so a code succeeds at most once. When no unused codes
// remain the result is ErrBackupCodeExhausted.
func (v *TwoFactorVerifier) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	code = normalizeBackupCode(code)
	now := v.clock.Now()

	ok, err := v.repo.ConsumeBackupCode(ctx, userID, v.hashCode(userID, code), now)
	if err != nil {
		return false, err
	}
	if ok {
		audit.Record(ctx, v.audit, audit.Event{Action: audit.ActionBackupCodeUsed, UserID: userID.String(), At: now})
		return true, nil
	}

	v.recordFailure(ctx, userID, "backup_code", code, now)
	left, err := v.repo.CountUnusedBackupCodes(ctx, userID)
	if err != nil {
		return false, err
	}
	if left == 0 {
		return false, autherror.ErrBackupCodeExhausted
	}
	return false, nil
}

// GenerateBackupCodes replaces the user's backup codes with a fresh set in
// NNNN-NNNN form. Only hashes are stored.
func (v *TwoFactorVerifier) GenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	n := v.cfg.BackupCodeCount
	if n <= 0 {
		n = 10
	}

	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(codes) < n {
		left, err := randomDigits(4)
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		right, err := randomDigits(4)
		if err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := left + "-" + right
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
		hashes = append(hashes, v.hashCode(userID, code))
	}

	now := v.clock.Now()
	if err := v.repo.ReplaceBackupCodes(ctx, userID, hashes, now); err != nil {
		return nil, err
	}
	audit.Record(ctx, v.audit, audit.Event{Action: audit.ActionBackupCodesRenewed, UserID: userID.String(), At: now})
	return codes, nil
}

func (v *TwoFactorVerifier) verifyTOTP(s model.TwoFactorSettings, code string, now time.Time) (bool, error) {
	if len(s.TOTPSecret) == 0 {
		return false, fmt.Errorf("totp secret missing for user %s", s.UserID)
	}
	secret, err := v.cipher.Decrypt(s.TOTPSecret)
	if err != nil {
		return false, err
	}
	ok, err := totp.ValidateCustom(code, secret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// malformed input is a mismatch, not a failure
		return false, nil
	}
	return ok, nil
}

func (v *TwoFactorVerifier) recordFailure(ctx context.Context, userID uuid.UUID, kind, code string, now time.Time) {
	log.Printf("2fa: %s verification failed for user %s (code %s)", kind, userID, mask.Code(code))
	audit.Record(ctx, v.audit, audit.Event{
		Action:  audit.ActionTwoFactorFailed,
		UserID:  userID.String(),
		Details: map[string]string{"kind": kind, "code": mask.Code(code)},
		At:      now,
	})
}

// hashCode returns HMAC-SHA256(key, userID:code) as hex
func (v *TwoFactorVerifier) hashCode(userID uuid.UUID, code string) string {
	mac := hmac.New(sha256.New, []byte(v.cfg.HashKey))
	mac.Write([]byte(userID.String()))
	mac.Write([]byte{':'})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// randomDigits returns n zero-padded decimal digits from crypto/rand
func randomDigits(n int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsBackupCode reports whether s has the NNNN-NNNN shape.
func IsBackupCode(s string) bool {
	s = normalizeBackupCode(s)
	return len(s) == 9 && s[4] == '-' && isDigits(s[:4], 4) && isDigits(s[5:], 4)
}

func normalizeBackupCode(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 8 && isDigits(s, 8) {
		return s[:4] + "-" + s[4:]
	}
	return s
}

func maskRecipient(method Method, recipient string) string {
	if method == MethodEmail {
		return mask.Email(recipient)
	}
	return mask.Phone(recipient)
}

// describeTTL spells out a code lifetime for the delivery message.
func describeTTL(d time.Duration) string {
	switch {
	case d < time.Minute:
		return plural(int(d/time.Second), "second")
	case d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.Round(time.Second).String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
