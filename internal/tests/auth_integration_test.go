package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Emcas152/CRMv2-sub000/internal/app"
	"github.com/Emcas152/CRMv2-sub000/internal/audit"
	"github.com/Emcas152/CRMv2-sub000/internal/auth"
	"github.com/Emcas152/CRMv2-sub000/internal/clock"
	"github.com/Emcas152/CRMv2-sub000/internal/config"
	"github.com/Emcas152/CRMv2-sub000/internal/db"
	"github.com/Emcas152/CRMv2-sub000/internal/fieldcrypt"
	httphandler "github.com/Emcas152/CRMv2-sub000/internal/http"
)

const testPassword = "correct horse battery"

func TestMain(m *testing.M) {
	// Set secrets if unset. DATABASE_URL may point at Postgres; otherwise each
	// server gets its own SQLite file.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	if os.Getenv("APP_SECRET") == "" {
		os.Setenv("APP_SECRET", "test-app-secret")
	}

	code := m.Run()
	os.Exit(code)
}

// testServer holds the server, DB and controllable collaborators
type testServer struct {
	Server *httptest.Server
	DB     *db.DB
	App    *app.App
	Clock  *clock.Manual
	Mail   *Mailbox

	ipSeq atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	if os.Getenv("DATABASE_URL") == "" {
		t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "e2e.db"))
	}
	// the client runs on loopback and plays the proxy, so each request can
	// pick its address with X-Forwarded-For
	if _, ok := os.LookupEnv("TRUSTED_PROXIES"); !ok {
		t.Setenv("TRUSTED_PROXIES", "127.0.0.1,::1")
	}
	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, TruncateSecurityTables(ctx, database), "truncate security tables")

	clk := clock.NewManual(time.Now().UTC().Truncate(time.Second))
	mail := NewMailbox()
	components, err := app.New(cfg, database, app.Options{Notifier: mail, Audit: audit.Nop{}, Clock: clk})
	require.NoError(t, err)

	router := httphandler.NewRouter(httphandler.Deps{
		Auth:    components.Auth,
		Limiter: components.Limiter,
		DB:      database,

		TrustedProxies: cfg.TrustedProxies,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, DB: database, App: components, Clock: clk, Mail: mail}
}

// nextIP hands out a distinct client address so per-IP quotas do not
// interfere between unrelated requests.
func (s *testServer) nextIP() string {
	n := s.ipSeq.Add(1)
	return fmt.Sprintf("198.51.%d.%d", n/250, n%250+1)
}

type apiResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r apiResponse) String() string { return string(r.Body) }

// do sends a JSON request from ip. An empty ip gets a fresh address.
func (s *testServer) do(t *testing.T, method, path string, body interface{}, token, ip string) apiResponse {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.Server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ip == "" {
		ip = s.nextIP()
	}
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}
}

func (s *testServer) post(t *testing.T, path string, body interface{}, token string) apiResponse {
	t.Helper()
	return s.do(t, http.MethodPost, path, body, token, "")
}

func (s *testServer) get(t *testing.T, path, token string) apiResponse {
	t.Helper()
	return s.do(t, http.MethodGet, path, nil, token, "")
}

func decode[T any](t *testing.T, r apiResponse) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Body, &v), "body: %s", r)
	return v
}

// register creates an account over HTTP
func (s *testServer) register(t *testing.T, email, phone string) profileResponse {
	t.Helper()
	resp := s.post(t, "/auth/register", map[string]string{"email": email, "password": testPassword, "phone": phone}, "")
	require.Equal(t, http.StatusCreated, resp.Status, "register: %s", resp)
	return decode[profileResponse](t, resp)
}

// login returns the decoded body of a successful POST /auth/login
func (s *testServer) login(t *testing.T, email string) loginResponse {
	t.Helper()
	resp := s.post(t, "/auth/login", map[string]string{"email": email, "password": testPassword}, "")
	require.Equal(t, http.StatusOK, resp.Status, "login: %s", resp)
	return decode[loginResponse](t, resp)
}

// admin seeds an admin account directly and returns a session token for it
func (s *testServer) admin(t *testing.T) string {
	t.Helper()
	_, err := s.App.Auth.Register(context.Background(), auth.RegisterInput{
		Email:    "admin@clinic.test",
		Password: testPassword,
		Role:     auth.RoleAdmin,
	})
	require.NoError(t, err)
	return s.login(t, "admin@clinic.test").AccessToken
}

// profileResponse matches GET /me and POST /auth/register responses
type profileResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

// loginResponse matches both outcomes of POST /auth/login
type loginResponse struct {
	AccessToken       string          `json:"access_token"`
	TokenType         string          `json:"token_type"`
	ExpiresAt         time.Time       `json:"expires_at"`
	User              profileResponse `json:"user"`
	TwoFactorRequired bool            `json:"two_factor_required"`
	ChallengeToken    string          `json:"challenge_token"`
	Method            string          `json:"method"`
	CodeExpiresAt     *time.Time      `json:"code_expires_at"`
}

// errorResponse matches error JSON body
type errorResponse struct {
	Error            string `json:"error"`
	MinutesRemaining int    `json:"minutes_remaining"`
	RetryAfter       int    `json:"retry_after"`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.Status, "GET /health must return 200")
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
	assert.Equal(t, "1000", resp.Header.Get("X-RateLimit-Limit"))
}

func TestRegisterLoginMe(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	created := ts.register(t, "Patient@Example.com", "+502 5555-1234")
	assert.Equal(t, "patient@example.com", created.Email)
	assert.Equal(t, "+502 5555-1234", created.Phone)
	assert.Equal(t, auth.RoleStaff, created.Role)

	t.Run("stored encrypted", func(t *testing.T) {
		var emailEnc, phoneEnc []byte
		err := ts.DB.QueryRowContext(ctx, "SELECT email_enc, phone_enc FROM users WHERE id = $1", created.ID).Scan(&emailEnc, &phoneEnc)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(emailEnc), fieldcrypt.Header))
		assert.True(t, fieldcrypt.IsEncrypted(phoneEnc))
		assert.NotContains(t, string(emailEnc), "patient@example.com")
	})

	t.Run("duplicate email", func(t *testing.T) {
		resp := ts.post(t, "/auth/register", map[string]string{"email": "patient@example.com", "password": testPassword}, "")
		assert.Equal(t, http.StatusConflict, resp.Status, "body: %s", resp)
	})

	t.Run("invalid input", func(t *testing.T) {
		resp := ts.post(t, "/auth/register", map[string]string{"email": "not-an-email", "password": testPassword}, "")
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		resp = ts.post(t, "/auth/register", map[string]string{"email": "x@example.com", "password": "short"}, "")
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		resp = ts.post(t, "/auth/register", map[string]string{"email": "y@example.com", "password": testPassword, "phone": "12"}, "")
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	})

	t.Run("login and me", func(t *testing.T) {
		res := ts.login(t, " PATIENT@example.com ")
		assert.False(t, res.TwoFactorRequired)
		assert.Equal(t, "bearer", res.TokenType)
		require.NotEmpty(t, res.AccessToken)

		resp := ts.get(t, "/me", res.AccessToken)
		require.Equal(t, http.StatusOK, resp.Status, "GET /me: %s", resp)
		me := decode[profileResponse](t, resp)
		assert.Equal(t, created.ID, me.ID)
		assert.Equal(t, "patient@example.com", me.Email)
		assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"), "authenticated tier")
	})

	t.Run("me without token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, ts.get(t, "/me", "").Status)
	})

	t.Run("wrong password", func(t *testing.T) {
		resp := ts.post(t, "/auth/login", map[string]string{"email": "patient@example.com", "password": "nope nope"}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		assert.Equal(t, "invalid credentials", decode[errorResponse](t, resp).Error)
	})

	t.Run("unknown email looks the same", func(t *testing.T) {
		resp := ts.post(t, "/auth/login", map[string]string{"email": "ghost@example.com", "password": testPassword}, "")
		assert.Equal(t, http.StatusUnauthorized, resp.Status)
		assert.Equal(t, "invalid credentials", decode[errorResponse](t, resp).Error)
	})
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "a@x.com", "")

	wrong := map[string]string{"email": "a@x.com", "password": "wrong password"}
	for i := 1; i <= 5; i++ {
		resp := ts.post(t, "/auth/login", wrong, "")
		require.Equal(t, http.StatusUnauthorized, resp.Status, "attempt %d: %s", i, resp)
	}

	// even the right password is refused while locked
	resp := ts.post(t, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword}, "")
	require.Equal(t, http.StatusLocked, resp.Status, "6th attempt: %s", resp)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, "account locked", body.Error)
	assert.Equal(t, 15, body.MinutesRemaining)

	ts.Clock.Advance(10 * time.Minute)
	resp = ts.post(t, "/auth/login", map[string]string{"email": "a@x.com", "password": testPassword}, "")
	require.Equal(t, http.StatusLocked, resp.Status)
	assert.Equal(t, 5, decode[errorResponse](t, resp).MinutesRemaining)

	ts.Clock.Advance(5 * time.Minute)
	res := ts.login(t, "a@x.com")
	assert.NotEmpty(t, res.AccessToken, "lock expired")
}

func TestAdminUnlock(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "b@x.com", "")
	adminToken := ts.admin(t)

	for i := 0; i < 5; i++ {
		ts.post(t, "/auth/login", map[string]string{"email": "b@x.com", "password": "wrong password"}, "")
	}

	resp := ts.get(t, "/admin/locks?email=B@x.com", adminToken)
	require.Equal(t, http.StatusOK, resp.Status, "lock status: %s", resp)
	var st struct {
		Email            string `json:"email"`
		Locked           bool   `json:"locked"`
		MinutesRemaining int    `json:"minutes_remaining"`
		Attempts         []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
		} `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &st))
	assert.Equal(t, "b@x.com", st.Email)
	assert.True(t, st.Locked)
	assert.Equal(t, 15, st.MinutesRemaining)
	require.Len(t, st.Attempts, 5)
	assert.Equal(t, auth.ReasonInvalidCredentials, st.Attempts[0].FailureReason)

	t.Run("staff cannot unlock", func(t *testing.T) {
		staff := ts.register(t, "staff@x.com", "")
		token := ts.login(t, staff.Email).AccessToken
		resp := ts.post(t, "/admin/unlock", map[string]string{"email": "b@x.com"}, token)
		assert.Equal(t, http.StatusForbidden, resp.Status)
	})

	resp = ts.post(t, "/admin/unlock", map[string]string{"email": "b@x.com"}, adminToken)
	require.Equal(t, http.StatusOK, resp.Status, "unlock: %s", resp)
	assert.True(t, decode[map[string]bool](t, resp)["unlocked"])

	resp = ts.post(t, "/admin/unlock", map[string]string{"email": "b@x.com"}, adminToken)
	assert.False(t, decode[map[string]bool](t, resp)["unlocked"], "nothing left to unlock")

	res := ts.login(t, "b@x.com")
	assert.NotEmpty(t, res.AccessToken)
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t)
	const ip = "203.0.113.77"
	// distinct emails so the account lockout stays out of the way
	body := func(i int) map[string]string {
		return map[string]string{"email": fmt.Sprintf("nobody%d@x.com", i), "password": "whatever1"}
	}

	for i := 1; i <= 5; i++ {
		resp := ts.do(t, http.MethodPost, "/auth/login", body(i), "", ip)
		require.Equal(t, http.StatusUnauthorized, resp.Status, "request %d: %s", i, resp)
		assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, fmt.Sprint(5-i), resp.Header.Get("X-RateLimit-Remaining"))
		ts.Clock.Advance(2 * time.Second)
	}

	// sixth request within 10 seconds
	resp := ts.do(t, http.MethodPost, "/auth/login", body(6), "", ip)
	require.Equal(t, http.StatusTooManyRequests, resp.Status, "body: %s", resp)
	assert.Equal(t, "50", resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, 50, decode[errorResponse](t, resp).RetryAfter)

	// other clients are unaffected
	resp = ts.do(t, http.MethodPost, "/auth/login", body(7), "", "203.0.113.78")
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	ts.Clock.Advance(50 * time.Second)
	resp = ts.do(t, http.MethodPost, "/auth/login", body(8), "", ip)
	assert.Equal(t, http.StatusUnauthorized, resp.Status, "window rolled over")
}

func TestLoginRateLimit_untrustedForwardingIgnored(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "")
	ts := newTestServer(t)

	var limited int
	for i := 1; i <= 20; i++ {
		body := map[string]string{"email": fmt.Sprintf("nobody%d@x.com", i), "password": "whatever1"}
		resp := ts.do(t, http.MethodPost, "/auth/login", body, "", fmt.Sprintf("203.0.113.%d", i))
		if resp.Status == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 15, limited, "all requests share the connection address")
}

func TestProtectedRoutes_rejectedTokensCountByIP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.toml")
	require.NoError(t, os.WriteFile(path, []byte("[ip]\nlimit = 3\nwindow = \"1m\"\n"), 0o600))
	t.Setenv("RATE_LIMIT_CONFIG", path)
	ts := newTestServer(t)
	const ip = "203.0.113.50"

	for i := 1; i <= 3; i++ {
		resp := ts.do(t, http.MethodGet, "/me", nil, "not.a.token", ip)
		require.Equal(t, http.StatusUnauthorized, resp.Status, "request %d: %s", i, resp)
	}
	resp := ts.do(t, http.MethodGet, "/me", nil, "not.a.token", ip)
	assert.Equal(t, http.StatusTooManyRequests, resp.Status, "body: %s", resp)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = ts.do(t, http.MethodGet, "/me", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Status, "other addresses keep their quota")
}
