package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
)

type headerSession struct{}

func (headerSession) CurrentUserID(r *http.Request) (string, bool) {
	id := r.Header.Get("X-User")
	return id, id != ""
}

type profileSet map[string]error

func (p profileSet) GetByUserID(_ context.Context, userID string) (profiles.Profile, error) {
	err, ok := p[userID]
	if !ok {
		return profiles.Profile{}, profiles.ErrNotFound
	}
	return profiles.Profile{UserID: userID}, err
}

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRequireEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireEnabled(false)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/1.3/login", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	RequireEnabled(true)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lti/1.3/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProfileOrLoggedOut(t *testing.T) {
	allowed, err := CompilePatterns([]string{`^/lti/`, `^/xblock/`})
	require.NoError(t, err)
	profs := profileSet{"lti-user": nil, "broken": errors.New("db down")}
	h := ProfileOrLoggedOut(headerSession{}, profs, allowed, logrus.New())(ok)

	cases := []struct {
		user, path string
		want       int
	}{
		{"", "/dashboard", http.StatusOK},
		{"local-user", "/dashboard", http.StatusOK},
		{"lti-user", "/xblock/block-v1:Org+C1+2024+type@html+block@h1", http.StatusOK},
		{"lti-user", "/dashboard", http.StatusForbidden},
		{"broken", "/dashboard", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.user != "" {
			req.Header.Set("X-User", tc.user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.user, tc.path)
	}
}

func TestCompilePatternsRejectsBadRegex(t *testing.T) {
	_, err := CompilePatterns([]string{"("})
	assert.Error(t, err)
}
