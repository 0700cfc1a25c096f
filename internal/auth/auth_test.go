package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	data := fmt.Sprintf(`users:
  - username: alice
    password: %q
    role: read-write
    root: /srv/alice
  - username: viewer
    password: %q
    role: read-only
    root: /srv/alice
  - username: root
    password: %q
    role: admin
    root: /srv
`, hash, hash, hash)

	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	d, err := LoadDirectory(path)
	require.NoError(t, err)
	return d
}

func TestDirectoryAuthenticate(t *testing.T) {
	d := testDirectory(t)
	assert.Equal(t, 3, d.Len())

	u, err := d.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, &User{Username: "alice", Role: RoleReadWrite, Root: "/srv/alice"}, u)

	_, err = d.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = d.Authenticate("mallory", "secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Equal(t, []string{"/srv", "/srv/alice"}, d.Roots())
}

func TestParseDirectoryRejects(t *testing.T) {
	tests := map[string]string{
		"no users":     "users: []\n",
		"bad yaml":     "users: [",
		"bad role":     "users:\n  - {username: a, password: $2a$x, role: god, root: /r}\n",
		"no root":      "users:\n  - {username: a, password: $2a$x, role: admin}\n",
		"plain secret": "users:\n  - {username: a, password: hunter2, role: admin, root: /r}\n",
		"duplicate":    "users:\n  - {username: a, password: $2a$x, role: admin, root: /r}\n  - {username: a, password: $2a$x, role: admin, root: /r}\n",
		"no name":      "users:\n  - {password: $2a$x, role: admin, root: /r}\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDirectory([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestRoles(t *testing.T) {
	assert.False(t, RoleReadOnly.CanWrite())
	assert.True(t, RoleReadWrite.CanWrite())
	assert.True(t, RoleAdmin.CanWrite())
	assert.False(t, Role("other").Valid())
}

func protected(a *Auth) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := GetUser(r.Context())
		fmt.Fprintf(w, "%s:%s:%s", u.Username, u.Role, u.Root)
	}))
}

func login(t *testing.T, a *Auth, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"username":%q,"password":%q}`, username, password)
	rec := httptest.NewRecorder()
	a.HandleLogin(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(body)))
	return rec
}

func TestLoginAndBearerToken(t *testing.T) {
	a := New(testDirectory(t), "test-secret", time.Hour)

	rec := login(t, a, "alice", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Empty(t, resp.User.Root, "root must not be exposed")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	out := httptest.NewRecorder()
	protected(a).ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
	assert.Equal(t, "alice:read-write:/srv/alice", out.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.AddCookie(cookies[0])
	out = httptest.NewRecorder()
	protected(a).ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}

func TestLoginFailures(t *testing.T) {
	a := New(testDirectory(t), "test-secret", time.Hour)

	assert.Equal(t, http.StatusUnauthorized, login(t, a, "alice", "nope").Code)
	assert.Equal(t, http.StatusUnauthorized, login(t, a, "ghost", "secret").Code)
	assert.Equal(t, http.StatusBadRequest, login(t, a, "alice", "").Code)

	rec := httptest.NewRecorder()
	a.HandleLogin(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareRejects(t *testing.T) {
	d := testDirectory(t)
	a := New(d, "test-secret", time.Hour)
	alice, _ := d.Lookup("alice")

	expired := New(d, "test-secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.IssueToken(alice)
	require.NoError(t, err)

	otherKey, _, err := New(d, "other-secret", time.Hour).IssueToken(alice)
	require.NoError(t, err)

	ghostToken, _, err := a.IssueToken(&User{Username: "ghost", Role: RoleAdmin})
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Username:         "alice",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"expired":   expiredToken,
		"wrong key": otherKey,
		"unknown":   ghostToken,
		"alg none":  noneToken,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := httptest.NewRecorder()
			protected(a).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}
