package ltiauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

type fakeRegistry struct{ tool access.Tool }

func (f fakeRegistry) FindTool(_ context.Context, iss, clientID string) (access.Tool, error) {
	if iss == f.tool.Issuer && clientID == f.tool.ClientID {
		return f.tool, nil
	}
	return access.Tool{}, access.ErrToolNotFound
}

func (f fakeRegistry) FindToolsByIssuer(_ context.Context, iss string) ([]access.Tool, error) {
	if iss == f.tool.Issuer {
		return []access.Tool{f.tool}, nil
	}
	return nil, nil
}

// platform plays the LMS: it publishes a key set and signs id_tokens.
type platform struct {
	keys   *KeyManager
	server *httptest.Server
	tool   access.Tool
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{keys: &KeyManager{}}
	p.server = httptest.NewServer(&JWKSHandler{Provider: p.keys})
	t.Cleanup(p.server.Close)
	p.tool = access.Tool{
		ID:            "tool-1",
		Issuer:        "https://lms.example",
		ClientID:      "client-1",
		AuthLoginURL:  "https://lms.example/auth",
		KeySetURL:     p.server.URL,
		DeploymentIDs: []string{"dep-1"},
		IsActive:      true,
	}
	return p
}

func (p *platform) idToken(t *testing.T, nonce string, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":                 p.tool.Issuer,
		"aud":                 []string{p.tool.ClientID, "other"},
		"azp":                 p.tool.ClientID,
		"sub":                 "user-42",
		"iat":                 now.Unix(),
		"exp":                 now.Add(5 * time.Minute).Unix(),
		"nonce":               nonce,
		lti.ClaimVersion:      lti.Version,
		lti.ClaimMessageType:  lti.MessageTypeResourceLink,
		lti.ClaimDeploymentID: "dep-1",
	}
	if mutate != nil {
		mutate(claims)
	}
	tok, err := p.keys.Sign(context.Background(), claims)
	require.NoError(t, err)
	return tok
}

func newOIDC(t *testing.T, p *platform) *OIDC {
	t.Helper()
	resolver, err := NewJWKSResolver(context.Background(), p.server.Client())
	require.NoError(t, err)
	cache := NewMemoryCache()
	return &OIDC{
		Registry: fakeRegistry{tool: p.tool},
		Keys:     resolver,
		Cache:    cache,
		Launches: NewLaunchStore(cache, time.Hour),
		Log:      logrus.New(),
	}
}

// login runs the initiation leg and returns state, nonce and the state cookie.
func login(t *testing.T, o *OIDC) (string, string, *http.Cookie) {
	t.Helper()
	q := url.Values{
		"iss":             {"https://lms.example"},
		"login_hint":      {"hint"},
		"target_link_uri": {"https://tool.example/lti/1.3/launch/"},
	}
	w := httptest.NewRecorder()
	o.LoginHandler(w, httptest.NewRequest(http.MethodGet, "/1.3/login?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "lms.example", loc.Host)
	assert.Equal(t, "client-1", loc.Query().Get("client_id"))
	assert.Equal(t, "form_post", loc.Query().Get("response_mode"))
	require.Len(t, w.Result().Cookies(), 1)
	return loc.Query().Get("state"), loc.Query().Get("nonce"), w.Result().Cookies()[0]
}

func launchRequest(token, state string, cookie *http.Cookie) *http.Request {
	form := url.Values{"id_token": {token}, "state": {state}}
	r := httptest.NewRequest(http.MethodPost, "/lti/1.3/launch/", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		r.AddCookie(cookie)
	}
	return r
}

func TestLoginRejectsMissingParams(t *testing.T) {
	o := newOIDC(t, newPlatform(t))
	w := httptest.NewRecorder()
	o.LoginHandler(w, httptest.NewRequest(http.MethodGet, "/1.3/login?iss=x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	o.LoginHandler(w, httptest.NewRequest(http.MethodGet, "/1.3/login?iss=x&login_hint=h&target_link_uri=ftp://x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFullLaunchRoundTrip(t *testing.T) {
	p := newPlatform(t)
	o := newOIDC(t, p)
	state, nonce, cookie := login(t, o)

	msg, err := o.FromRequest(launchRequest(p.idToken(t, nonce, nil), state, cookie))
	require.NoError(t, err)
	assert.True(t, msg.IsResourceLink())
	assert.NotEmpty(t, msg.LaunchID)
	assert.Equal(t, "user-42", msg.Claims.String("sub"))

	restored, err := o.FromCache(context.Background(), msg.LaunchID)
	require.NoError(t, err)
	assert.Equal(t, msg.LaunchID, restored.LaunchID)
	assert.Equal(t, "user-42", restored.Claims.String("sub"))

	// state is single use
	_, err = o.FromRequest(launchRequest(p.idToken(t, nonce, nil), state, cookie))
	assert.Error(t, err)
}

func TestFromRequestRejects(t *testing.T) {
	cases := map[string]func(jwt.MapClaims){
		"bad nonce":       func(c jwt.MapClaims) { c["nonce"] = "other" },
		"wrong audience":  func(c jwt.MapClaims) { c["aud"] = "someone-else"; c["azp"] = nil },
		"expired":         func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"bad deployment":  func(c jwt.MapClaims) { c[lti.ClaimDeploymentID] = "dep-9" },
		"missing version": func(c jwt.MapClaims) { delete(c, lti.ClaimVersion) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := newPlatform(t)
			o := newOIDC(t, p)
			state, nonce, cookie := login(t, o)

			_, err := o.FromRequest(launchRequest(p.idToken(t, nonce, mutate), state, cookie))

			var le *lti.LaunchError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, lti.KindProtocol, le.Kind)
		})
	}
}

func TestFromRequestRejectsStateForOtherRegistration(t *testing.T) {
	cases := map[string]oidcState{
		"other client": {Issuer: "https://lms.example", ClientID: "client-2"},
		"other issuer": {Issuer: "https://other-lms.example", ClientID: "client-1"},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			p := newPlatform(t)
			o := newOIDC(t, p)
			state, nonce, cookie := login(t, o)

			// the login leg was started for a different registration
			st.Nonce = nonce
			b, err := json.Marshal(st)
			require.NoError(t, err)
			require.NoError(t, o.Cache.Set(context.Background(), statePrefix+state, b, time.Minute))

			_, err = o.FromRequest(launchRequest(p.idToken(t, nonce, nil), state, cookie))

			var le *lti.LaunchError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, lti.KindProtocol, le.Kind)
			assert.Contains(t, err.Error(), "does not match login state")
		})
	}
}

func TestFromRequestRejectsForeignSignature(t *testing.T) {
	p := newPlatform(t)
	o := newOIDC(t, p)
	state, nonce, cookie := login(t, o)

	impostor := &KeyManager{}
	tok, err := impostor.Sign(context.Background(), jwt.MapClaims{
		"iss": p.tool.Issuer, "aud": p.tool.ClientID, "sub": "x", "nonce": nonce,
		"exp": time.Now().Add(time.Minute).Unix(), lti.ClaimVersion: lti.Version,
	})
	require.NoError(t, err)

	_, err = o.FromRequest(launchRequest(tok, state, cookie))
	assert.Error(t, err)
}

func TestFromRequestRejectsCookieMismatch(t *testing.T) {
	p := newPlatform(t)
	o := newOIDC(t, p)
	state, nonce, _ := login(t, o)

	_, err := o.FromRequest(launchRequest(p.idToken(t, nonce, nil), state, &http.Cookie{Name: stateCookieName, Value: "state-other"}))
	assert.Error(t, err)
}

func TestJWKSHandlerETag(t *testing.T) {
	h := &JWKSHandler{Provider: &KeyManager{}}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/1.3/pub/jwks", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, "RS256", body.Keys[0]["alg"])

	r := httptest.NewRequest(http.MethodGet, "/1.3/pub/jwks", nil)
	r.Header.Set("If-None-Match", w.Header().Get("ETag"))
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r)
	assert.Equal(t, http.StatusNotModified, w2.Code)
}
