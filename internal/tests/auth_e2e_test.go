package tests

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	codeInBody      = regexp.MustCompile(`code is (\d+)\.`)
	backupCodeShape = regexp.MustCompile(`^\d{4}-\d{4}$`)
)

type enrollmentResponse struct {
	Method      string   `json:"method"`
	BackupCodes []string `json:"backup_codes"`
	TOTPURI     string   `json:"totp_uri"`
}

type twoFactorStatusResponse struct {
	Enabled              bool   `json:"enabled"`
	Method               string `json:"method"`
	BackupCodesRemaining int    `json:"backup_codes_remaining"`
}

// lastCode extracts the code from the most recent delivered message.
func (s *testServer) lastCode(t *testing.T) string {
	t.Helper()
	msg, ok := s.Mail.Last()
	require.True(t, ok, "no message delivered")
	match := codeInBody.FindStringSubmatch(msg.Body)
	require.Len(t, match, 2, "body: %s", msg.Body)
	return match[1]
}

// enable turns 2FA on for the account behind token
func (s *testServer) enable(t *testing.T, token, method string) enrollmentResponse {
	t.Helper()
	resp := s.post(t, "/auth/2fa/enable", map[string]string{"method": method}, token)
	require.Equal(t, http.StatusOK, resp.Status, "enable: %s", resp)
	return decode[enrollmentResponse](t, resp)
}

// TestTwoFactorE2E runs the email 2FA flow: enable, challenged login, verify,
// single-use codes, backup codes, resend and disable.
func TestTwoFactorE2E(t *testing.T) {
	ts := newTestServer(t)
	const email = "doctor@clinic.test"
	ts.register(t, email, "")
	session := ts.login(t, email).AccessToken

	enrollment := ts.enable(t, session, "")
	assert.Equal(t, "email", enrollment.Method)
	require.Len(t, enrollment.BackupCodes, 10)
	seen := map[string]bool{}
	for _, c := range enrollment.BackupCodes {
		assert.Regexp(t, backupCodeShape, c)
		assert.False(t, seen[c], "duplicate backup code %s", c)
		seen[c] = true
	}

	resp := ts.get(t, "/auth/2fa/status", session)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, twoFactorStatusResponse{Enabled: true, Method: "email", BackupCodesRemaining: 10}, decode[twoFactorStatusResponse](t, resp))

	t.Run("A_ChallengedLogin", func(t *testing.T) {
		res := ts.login(t, email)
		require.True(t, res.TwoFactorRequired)
		assert.Empty(t, res.AccessToken)
		assert.Equal(t, "email", res.Method)
		require.NotNil(t, res.CodeExpiresAt)
		assert.WithinDuration(t, ts.Clock.Now().Add(5*time.Minute), *res.CodeExpiresAt, time.Second)

		msg, _ := ts.Mail.Last()
		assert.Equal(t, email, msg.Recipient)

		// the challenge token is not a session
		assert.Equal(t, http.StatusUnauthorized, ts.get(t, "/me", res.ChallengeToken).Status)

		code := ts.lastCode(t)
		resp := ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": code}, "")
		require.Equal(t, http.StatusOK, resp.Status, "verify: %s", resp)
		full := decode[loginResponse](t, resp)
		require.NotEmpty(t, full.AccessToken)
		assert.Equal(t, email, full.User.Email)
		assert.Equal(t, http.StatusOK, ts.get(t, "/me", full.AccessToken).Status)

		// codes are single-use
		resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": code}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
	})

	t.Run("B_ResendInvalidatesOldCode", func(t *testing.T) {
		res := ts.login(t, email)
		first := ts.lastCode(t)

		resp := ts.post(t, "/auth/2fa/resend", map[string]string{"challenge_token": res.ChallengeToken}, "")
		require.Equal(t, http.StatusOK, resp.Status, "resend: %s", resp)
		second := ts.lastCode(t)

		if first != second {
			resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": first}, "")
			assert.Equal(t, http.StatusUnauthorized, resp.Status, "old code must be dead")
		}
		resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": second}, "")
		assert.Equal(t, http.StatusOK, resp.Status, "new code: %s", resp)
	})

	t.Run("C_CodeExpires", func(t *testing.T) {
		res := ts.login(t, email)
		code := ts.lastCode(t)
		ts.Clock.Advance(5*time.Minute + time.Second)

		resp := ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": code}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
	})

	t.Run("D_BackupCodeOnce", func(t *testing.T) {
		res := ts.login(t, email)
		backup := enrollment.BackupCodes[0]

		resp := ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": backup}, "")
		require.Equal(t, http.StatusOK, resp.Status, "backup code: %s", resp)

		res = ts.login(t, email)
		resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": backup}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status, "backup codes are single-use")

		resp = ts.get(t, "/auth/2fa/status", session)
		assert.Equal(t, 9, decode[twoFactorStatusResponse](t, resp).BackupCodesRemaining)
	})

	t.Run("E_RegenerateBackupCodes", func(t *testing.T) {
		resp := ts.post(t, "/auth/2fa/backup-codes", nil, session)
		require.Equal(t, http.StatusOK, resp.Status, "regenerate: %s", resp)
		codes := decode[map[string][]string](t, resp)["backup_codes"]
		require.Len(t, codes, 10)

		// old codes are gone
		res := ts.login(t, email)
		resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": enrollment.BackupCodes[1]}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		resp = ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": codes[0]}, "")
		assert.Equal(t, http.StatusOK, resp.Status)
	})

	t.Run("F_Disable", func(t *testing.T) {
		resp := ts.post(t, "/auth/2fa/disable", nil, session)
		require.Equal(t, http.StatusOK, resp.Status)
		assert.True(t, decode[map[string]bool](t, resp)["disabled"])

		res := ts.login(t, email)
		assert.False(t, res.TwoFactorRequired)
		assert.NotEmpty(t, res.AccessToken)

		resp = ts.post(t, "/auth/2fa/backup-codes", nil, session)
		assert.Equal(t, http.StatusConflict, resp.Status, "no backup codes without 2FA")
	})
}

func TestTwoFactorSMSUnavailable(t *testing.T) {
	ts := newTestServer(t)
	const email = "nurse@clinic.test"

	// without a phone number sms cannot be enabled
	ts.register(t, "nophone@clinic.test", "")
	token := ts.login(t, "nophone@clinic.test").AccessToken
	resp := ts.post(t, "/auth/2fa/enable", map[string]string{"method": "sms"}, token)
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	ts.register(t, email, "+502 5555 9876")
	token = ts.login(t, email).AccessToken
	enrollment := ts.enable(t, token, "sms")
	assert.Equal(t, "sms", enrollment.Method)

	before := ts.Mail.Count()
	resp = ts.post(t, "/auth/login", map[string]string{"email": email, "password": testPassword}, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status, "body: %s", resp)
	assert.Equal(t, before, ts.Mail.Count())

	// unknown methods are rejected
	resp =ts.post(t, "/auth/2fa/enable", map[string]string{"method": "fax"}, token)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestTwoFactorTOTPEnrollment(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "totp@clinic.test", "")
	token := ts.login(t, "totp@clinic.test").AccessToken

	enrollment := ts.enable(t, token, "totp")
	assert.Equal(t, "totp", enrollment.Method)
	assert.Contains(t, enrollment.TOTPURI, "otpauth://totp/")
	assert.Len(t, enrollment.BackupCodes, 10)

	before := ts.Mail.Count()
	res := ts.login(t, "totp@clinic.test")
	assert.True(t, res.TwoFactorRequired)
	assert.Equal(t, "totp", res.Method)
	assert.Nil(t, res.CodeExpiresAt, "nothing is sent for totp")
	assert.Equal(t, before, ts.Mail.Count())

	resp := ts.post(t, "/auth/2fa/verify", map[string]string{"challenge_token": res.ChallengeToken, "code": enrollment.BackupCodes[0]}, "")
	assert.Equal(t, http.StatusOK, resp.Status, "backup code works for totp users: %s", resp)
}

func TestTwoFactorVerifyRateLimit(t *testing.T) {
	ts := newTestServer(t)
	const ip = "203.0.113.90"
	body := map[string]string{"challenge_token": "bogus", "code": "000000"}

	for i := 0; i < 10; i++ {
		resp := ts.do(t, http.MethodPost, "/auth/2fa/verify", body, "", ip)
		require.Equal(t, http.StatusUnauthorized, resp.Status)
	}
	resp := ts.do(t, http.MethodPost, "/auth/2fa/verify", body, "", ip)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
