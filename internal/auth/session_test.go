package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/host"
)

func TestLoginRoundTrip(t *testing.T) {
	s := NewSessions("secret", "sess", time.Hour, false)
	cookies, err := s.Login(context.Background(), host.User{ID: "u1", IsActive: true}, true)
	require.NoError(t, err)
	require.Len(t, cookies, 1)

	c, err := s.Parse(cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.True(t, c.LTIExpected)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	id, ok := s.CurrentUserID(r)
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
}

func TestLoginRejectsInactive(t *testing.T) {
	s := NewSessions("secret", "", 0, false)
	_, err := s.Login(context.Background(), host.User{ID: "u1"}, false)
	assert.Error(t, err)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	a := NewSessions("a", "sess", time.Hour, false)
	b := NewSessions("b", "sess", time.Hour, false)
	cookies, err := a.Login(context.Background(), host.User{ID: "u1", IsActive: true}, false)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	_, ok := b.CurrentUserID(r)
	assert.False(t, ok)
}

type fakeCreds struct{}

func (fakeCreds) CheckPassword(_ context.Context, u, p string) (host.User, error) {
	if u == "jane" && p == "pw" {
		return host.User{ID: "u-jane", IsActive: true}, nil
	}
	return host.User{}, host.ErrBadCredentials
}

func TestLoginHandler(t *testing.T) {
	s := NewSessions("secret", "sess", time.Hour, false)
	h := LoginHandler(s, fakeCreds{}, logrus.New())

	form := url.Values{"username": {"jane"}, "password": {"pw"}, "next": {"//evil.example"}}
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
	require.Len(t, w.Result().Cookies(), 1)

	form.Set("password", "nope")
	r = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
