package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Emcas152/CRMv2-sub000/internal/audit"
	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	autherror "github.com/Emcas152/CRMv2-sub000/internal/errors"
	"github.com/Emcas152/CRMv2-sub000/internal/fieldcrypt"
	"github.com/Emcas152/CRMv2-sub000/internal/mask"
	"github.com/Emcas152/CRMv2-sub000/internal/model"
	"github.com/Emcas152/CRMv2-sub000/internal/repo"
)

// Roles
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

const minPasswordLen = 8

var passwordCost = bcrypt.DefaultCost

// Profile is a user with sensitive fields decrypted
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Challenge is the pending second step of a login
type Challenge struct {
	Token         string
	Method        Method
	CodeExpiresAt time.Time
}

// LoginResult is either a session or a two-factor challenge
type LoginResult struct {
	Token             string
	ExpiresAt         time.Time
	User              *Profile
	TwoFactorRequired bool
	Challenge         *Challenge
}

// RegisterInput is the data needed to create an account
type RegisterInput struct {
	Email    string
	Password string
	Phone    string
	Role     string
}

// Service orchestrates login: lock check, password, second factor, session.
type Service struct {
	users     repo.UserRepo
	tokens    *TokenAuthority
	guard     *LoginGuard
	twoFactor *TwoFactorVerifier
	cipher    *fieldcrypt.Cipher
	audit     audit.Sink
	clock     clock.Clock
	dummyHash []byte
}

// NewService creates a new auth service
func NewService(
	users repo.UserRepo,
	tokens *TokenAuthority,
	guard *LoginGuard,
	twoFactor *TwoFactorVerifier,
	cipher *fieldcrypt.Cipher,
	sink audit.Sink,
	clk clock.Clock,
) (*Service, error) {
	if sink == nil {
		sink = audit.Nop{}
	}

	// compared against for unknown emails so both paths cost one bcrypt check
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("dummy password: %w", err)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(buf)), passwordCost)
	if err != nil {
		return nil, fmt.Errorf("dummy password hash: %w", err)
	}

	return &Service{
		users:     users,
		tokens:    tokens,
		guard:     guard,
		twoFactor: twoFactor,
		cipher:    cipher,
		audit:     sink,
		clock:     clk,
		dummyHash: dummy,
	}, nil
}

// NormalizeEmail lowercases and trims an email before hashing or lock lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Authenticate verifies a session token. Challenge tokens are rejected.
func (s *Service) Authenticate(token string) (*Claims, error) {
	return s.tokens.VerifyScope(token, ScopeSession)
}

// GuardLogin returns *AccountLockedError when the email is locked.
func (s *Service) GuardLogin(ctx context.Context, email string) error {
	st := s.guard.Status(ctx, NormalizeEmail(email))
	if !st.Locked {
		return nil
	}
	return &autherror.AccountLockedError{LockedUntil: st.LockedUntil, Remaining: st.Remaining}
}

// Login checks the lock, then the password. With 2FA enabled a code is sent
// and a challenge returned instead of a session.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	email = NormalizeEmail(email)
	attempt := Attempt{Email: email, IP: meta.IP, UserAgent: meta.UserAgent}

	if err := s.GuardLogin(ctx, email); err != nil {
		attempt.Reason = ReasonAccountLocked
		if rerr := s.guard.RecordAttempt(ctx, attempt); rerr != nil {
			log.Printf("lockout: failed to record locked attempt for %s: %v", mask.Email(email), rerr)
		}
		return nil, err
	}

	user, err := s.users.GetByEmailHash(ctx, s.cipher.HashField(email))
	found := err == nil
	if err != nil && !errors.Is(err, autherror.ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	hash := s.dummyHash
	if found {
		hash = []byte(user.PasswordHash)
	}
	pwErr := bcrypt.CompareHashAndPassword(hash, []byte(password))

	if !found || pwErr != nil {
		attempt.Reason = ReasonInvalidCredentials
		if err := s.guard.RecordAttempt(ctx, attempt); err != nil {
			return nil, err
		}
		return nil, autherror.ErrInvalidCredentials
	}

	attempt.Success = true
	if err := s.guard.RecordAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	profile, err := s.profile(user)
	if err != nil {
		return nil, err
	}

	enabled, err := s.twoFactor.IsEnabled(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("two-factor status: %w", err)
	}
	if enabled {
		challenge, err := s.issueTwoFactor(ctx, user, profile, meta)
		if err != nil {
			return nil, err
		}
		return &LoginResult{TwoFactorRequired: true, Challenge: challenge}, nil
	}

	return s.session(profile)
}

// IssueTwoFactor sends a code on the user's configured method and returns a
// challenge token for the verify step.
func (s *Service) IssueTwoFactor(ctx context.Context, user model.User, meta RequestMeta) (*Challenge, error) {
	profile, err := s.profile(user)
	if err != nil {
		return nil, err
	}
	return s.issueTwoFactor(ctx, user, profile, meta)
}

func (s *Service) issueTwoFactor(ctx context.Context, user model.User, profile *Profile, meta RequestMeta) (*Challenge, error) {
	st, err := s.twoFactor.Status(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("two-factor status: %w", err)
	}
	if !st.Enabled {
		return nil, autherror.ErrTwoFactorNotEnabled
	}

	token, err := s.tokens.IssueChallenge(user.ID.String(), profile.Email, user.Role)
	if err != nil {
		return nil, err
	}
	challenge := &Challenge{Token: token, Method: st.Method}
	if st.Method == MethodTOTP {
		return challenge, nil
	}

	recipient := profile.Email
	if st.Method == MethodSMS || st.Method == MethodWhatsApp {
		recipient = profile.Phone
	}
	challenge.CodeExpiresAt, err = s.twoFactor.GenerateCode(ctx, user.ID, recipient, st.Method, meta)
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// VerifyTwoFactor completes a challenged login with a code or a backup code.
func (s *Service) VerifyTwoFactor(ctx context.Context, challengeToken, code string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.challengeUser(ctx, challengeToken)
	if err != nil {
		return nil, err
	}

	var ok bool
	if s.looksLikeBackupCode(code) {
		ok, err = s.twoFactor.VerifyBackupCode(ctx, user.ID, code)
	} else {
		ok, err = s.twoFactor.VerifyCode(ctx, user.ID, code)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("2fa: rejected code for user %s from %s", user.ID, meta.IP)
		return nil, autherror.ErrInvalidTwoFactorCode
	}

	profile, err := s.profile(user)
	if err != nil {
		return nil, err
	}
	return s.session(profile)
}

// ResendTwoFactor issues a fresh code for a live challenge.
func (s *Service) ResendTwoFactor(ctx context.Context, challengeToken string, meta RequestMeta) (*Challenge, error) {
	user, err := s.challengeUser(ctx, challengeToken)
	if err != nil {
		return nil, err
	}
	return s.IssueTwoFactor(ctx, user, meta)
}

// Register creates an account with email and phone encrypted at rest.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Profile, error) {
	email := NormalizeEmail(in.Email)
	if err := s.cipher.Validate(email, fieldcrypt.KindEmail); err != nil {
		return nil, err
	}
	phone := strings.TrimSpace(in.Phone)
	if phone != "" {
		if err := s.cipher.Validate(phone, fieldcrypt.KindPhone); err != nil {
			return nil, err
		}
	}
	if len(in.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", autherror.ErrFieldValidation, minPasswordLen)
	}
	role := in.Role
	if role == "" {
		role = RoleStaff
	}
	if role != RoleStaff && role != RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", autherror.ErrFieldValidation, role)
	}

	pw, err := bcrypt.GenerateFromPassword([]byte(in.Password), passwordCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := model.User{
		EmailHash:    s.cipher.HashField(email),
		PasswordHash: string(pw),
		Role:         role,
		CreatedAt:    s.clock.Now(),
	}
	if u.EmailEnc, err = s.cipher.EncryptField(email); err != nil {
		return nil, err
	}
	if phone != "" {
		if u.PhoneEnc, err = s.cipher.EncryptField(phone); err != nil {
			return nil, err
		}
		u.PhoneHash = s.cipher.HashField(phone)
	}

	created, err := s.users.Create(ctx, u)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, s.audit, audit.Event{
		Action:  audit.ActionRegistered,
		UserID:  created.ID.String(),
		Subject: mask.Email(email),
		At:      u.CreatedAt,
	})
	return s.profile(created)
}

// Profile returns the decrypted profile of a user.
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.profile(u)
}

// EnableTwoFactor turns on 2FA for the user with method.
func (s *Service) EnableTwoFactor(ctx context.Context, userID uuid.UUID, method Method) (Enrollment, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	if (method == MethodSMS || method == MethodWhatsApp) && p.Phone == "" {
		return Enrollment{}, fmt.Errorf("%w: a phone number is required for %s", autherror.ErrFieldValidation, method)
	}
	return s.twoFactor.Enable(ctx, userID, method, p.Email)
}

// DisableTwoFactor turns 2FA off. It reports whether it had been on.
func (s *Service) DisableTwoFactor(ctx context.Context, userID uuid.UUID) (bool, error) {
	return s.twoFactor.Disable(ctx, userID)
}

// RegenerateBackupCodes replaces the backup codes of a 2FA-enabled user.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	enabled, err := s.twoFactor.IsEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, autherror.ErrTwoFactorNotEnabled
	}
	return s.twoFactor.GenerateBackupCodes(ctx, userID)
}

// TwoFactorStatus returns the user's 2FA enrolment.
func (s *Service) TwoFactorStatus(ctx context.Context, userID uuid.UUID) (TwoFactorStatus, error) {
	return s.twoFactor.Status(ctx, userID)
}

// LockStatus returns the lock state and recent attempts for an email.
func (s *Service) LockStatus(ctx context.Context, email string, historyLimit int) (LockStatus, []model.LoginAttempt, error) {
	email = NormalizeEmail(email)
	st := s.guard.Status(ctx, email)
	history, err := s.guard.History(ctx, email, historyLimit)
	if err != nil {
		return st, nil, err
	}
	return st, history, nil
}

// Unlock manually lifts the lock on email.
func (s *Service) Unlock(ctx context.Context, email, by string) (bool, error) {
	return s.guard.Unlock(ctx, NormalizeEmail(email), by)
}

func (s *Service) challengeUser(ctx context.Context, challengeToken string) (model.User, error) {
	claims, err := s.tokens.VerifyScope(challengeToken, ScopeTwoFactor)
	if err != nil {
		return model.User{}, err
	}
	id, err := uuid.Parse(claims.SubjectID)
	if err != nil {
		return model.User{}, autherror.ErrInvalidToken
	}
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, autherror.ErrUserNotFound) {
			return model.User{}, autherror.ErrInvalidToken
		}
		return model.User{}, err
	}
	return user, nil
}

func (s *Service) session(p *Profile) (*LoginResult, error) {
	token, err := s.tokens.Issue(p.ID.String(), p.Email, p.Role, 0)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		Token:     token,
		ExpiresAt: s.clock.Now().Add(s.tokens.TTL()),
		User:      p,
	}, nil
}

func (s *Service) profile(u model.User) (*Profile, error) {
	email, err := s.cipher.DecryptField(u.EmailEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt email: %w", err)
	}
	p := &Profile{ID: u.ID, Email: email, Role: u.Role, CreatedAt: u.CreatedAt}
	if len(u.PhoneEnc) > 0 {
		if p.Phone, err = s.cipher.DecryptField(u.PhoneEnc); err != nil {
			return nil, fmt.Errorf("decrypt phone: %w", err)
		}
	}
	return p, nil
}

func (s *Service) looksLikeBackupCode(code string) bool {
	code = strings.TrimSpace(code)
	if strings.Contains(code, "-") {
		return true
	}
	return IsBackupCode(code) && s.twoFactor.cfg.CodeLength != len(code)
}
