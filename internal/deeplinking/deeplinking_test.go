package deeplinking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/db/dbtest"
	"github.com/mind-engage/mindengage-lti-tool/internal/deeplinking"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	issuer    = "https://platform.example"
	clientID  = "client-1"
	returnURL = "https://platform.example/deep_links"
	launchID  = "01HZX3J7D2W8M4Q6R9T1V5B0C7"
)

var signingKey = []byte("platform-shared-test-key")

type hsSigner struct{}

func (hsSigner) Sign(_ context.Context, c jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(signingKey)
}

type messages struct{ msg *lti.Message }

func (m *messages) FromRequest(*http.Request) (*lti.Message, error) {
	if m.msg == nil {
		return nil, lti.Errorf(lti.KindProtocol, "missing id_token")
	}
	return m.msg, nil
}

func (m *messages) FromCache(_ context.Context, id string) (*lti.Message, error) {
	if m.msg == nil || m.msg.LaunchID != id {
		return nil, lti.Errorf(lti.KindProtocol, "launch data not found")
	}
	return m.msg, nil
}

func deepLinkingMessage(multiple bool) *lti.Message {
	return &lti.Message{LaunchID: launchID, Claims: lti.Claims{
		"iss":                 issuer,
		"aud":                 []any{clientID},
		"sub":                 "instructor-1",
		lti.ClaimMessageType:  lti.MessageTypeDeepLinking,
		lti.ClaimVersion:      lti.Version,
		lti.ClaimDeploymentID: "dep-1",
		lti.ClaimDeepLinkingSettings: map[string]any{
			"deep_link_return_url": returnURL,
			"accept_types":         []any{"ltiResourceLink"},
			"accept_multiple":      multiple,
			"data":                 "opaque-platform-data",
		},
	}}
}

type fixture struct {
	flow   *deeplinking.Flow
	msgs   *messages
	tools  *access.Store
	tool   access.Tool
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d := dbtest.Open(t)
	tools := access.NewStore(d)
	tool, err := tools.CreateTool(ctx, access.Tool{Issuer: issuer, ClientID: clientID, IsActive: true})
	require.NoError(t, err)

	catalog := host.NewSQL(d)
	for _, c := range []host.Course{
		{ID: "course-v1:Org+A+2024", Org: "Org", Title: "Course A"},
		{ID: "course-v1:Org+B+2024", Org: "Org", Title: "Course B"},
		{ID: "course-v1:Org+C+2024", Org: "Org", Title: "Course C"},
		{ID: "course-v1:Other+D+2024", Org: "Other", Title: "Course D"},
	} {
		require.NoError(t, catalog.CreateCourse(ctx, c, true))
	}

	log, _ := test.NewNullLogger()
	msgs := &messages{}
	f := &deeplinking.Flow{
		Messages:    msgs,
		Catalog:     catalog,
		Configs:     tools,
		Signer:      hsSigner{},
		PublicURL:   "https://tool.example",
		APISecret:   []byte("api-secret"),
		PageSizeMax: 2,
		Log:         log,
		Now:         func() time.Time { return time.Now() },
	}
	r := http.NewServeMux()
	r.Handle("/deep-linking/", http.StripPrefix("/deep-linking", f.Routes()))
	return &fixture{flow: f, msgs: msgs, tools: tools, tool: tool, router: r}
}

func (fx *fixture) do(t *testing.T, method, target string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func TestStartRedirectsToForm(t *testing.T) {
	fx := newFixture(t)
	fx.msgs.msg = deepLinkingMessage(true)

	rec := fx.do(t, http.MethodPost, "/deep-linking/", url.Values{"id_token": {"x"}}, nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/"+launchID, rec.Header().Get("Location"))
}

func TestStartRejectsResourceLink(t *testing.T) {
	fx := newFixture(t)
	msg := deepLinkingMessage(true)
	msg.Claims[lti.ClaimMessageType] = lti.MessageTypeResourceLink
	fx.msgs.msg = msg

	rec := fx.do(t, http.MethodPost, "/deep-linking/", url.Values{"id_token": {"x"}}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "LTI 1.3 Deep Linking failed: Invalid message type")
}

func TestFormListsVisibleCourses(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.msgs.msg = deepLinkingMessage(true)
	cfg, err := fx.tools.GetConfiguration(ctx, fx.tool.ID)
	require.NoError(t, err)
	cfg.AllowedOrgs = []string{"Other"}
	require.NoError(t, fx.tools.UpdateConfiguration(ctx, cfg))

	rec := fx.do(t, http.MethodGet, "/deep-linking/"+launchID, nil, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, "Course D")
	assert.NotContains(t, body, "Course A")
	assert.Contains(t, body, `type="checkbox"`)
}

func TestSubmitSignsResponse(t *testing.T) {
	fx := newFixture(t)
	fx.msgs.msg = deepLinkingMessage(true)

	rec := fx.do(t, http.MethodPost, "/deep-linking/"+launchID,
		url.Values{"course_id": {"course-v1:Org+A+2024", "course-v1:Org+B+2024", "course-v1:Nope+X+1"}}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `action="`+returnURL+`"`)

	m := regexp.MustCompile(`name="JWT" value="([^"]+)"`).FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2)
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(m[1], claims, func(*jwt.Token) (any, error) { return signingKey, nil })
	require.NoError(t, err)

	assert.Equal(t, clientID, claims["iss"])
	assert.Equal(t, issuer, claims["aud"])
	assert.Equal(t, lti.MessageTypeDeepLinkingResponse, claims[lti.ClaimMessageType])
	assert.Equal(t, lti.Version, claims[lti.ClaimVersion])
	assert.Equal(t, "dep-1", claims[lti.ClaimDeploymentID])
	assert.Equal(t, "opaque-platform-data", claims[lti.ClaimDeepLinkingData])
	assert.NotEmpty(t, claims["nonce"])

	items, ok := claims[lti.ClaimContentItems].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "ltiResourceLink", first["type"])
	assert.Equal(t, "https://tool.example/lti/1.3/launch/course-v1:Org+A+2024", first["url"])
	assert.Equal(t, "Course A", first["title"])
}

func TestSubmitSingleItemPlatform(t *testing.T) {
	fx := newFixture(t)
	fx.msgs.msg = deepLinkingMessage(false)

	rec := fx.do(t, http.MethodPost, "/deep-linking/"+launchID,
		url.Values{"course_id": {"course-v1:Org+A+2024", "course-v1:Org+B+2024"}}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "single content item")
}

func TestContentItemsAPI(t *testing.T) {
	fx := newFixture(t)
	fx.msgs.msg = deepLinkingMessage(true)
	api := "/deep-linking/api/v1/" + launchID + "/content_items/courses"

	rec := fx.do(t, http.MethodGet, api, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// a token issued for another launch is refused
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "another-launch",
		Audience:  jwt.ClaimStrings{"deep-linking-content-items"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	otherTok, err := other.SignedString([]byte("api-secret"))
	require.NoError(t, err)
	rec = fx.do(t, http.MethodGet, api, nil, http.Header{"Authorization": {"Bearer " + otherTok}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	form := fx.do(t, http.MethodGet, "/deep-linking/"+launchID, nil, nil)
	m := regexp.MustCompile(`data-token="([^"]+)"`).FindStringSubmatch(form.Body.String())
	require.Len(t, m, 2)
	auth := http.Header{"Authorization": {"Bearer " + m[1]}}

	// page size is capped at the configured maximum
	rec = fx.do(t, http.MethodGet, api+"?page_size=50", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Count    int                       `json:"count"`
		Next     *string                   `json:"next"`
		Previous *string                   `json:"previous"`
		Results  []deeplinking.ContentItem `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 4, page.Count)
	assert.Len(t, page.Results, 2)
	require.NotNil(t, page.Next)
	assert.Contains(t, *page.Next, "page=2")
	assert.Nil(t, page.Previous)

	rec = fx.do(t, http.MethodGet, api+"?page=2&page_size=2", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	page.Next, page.Previous = nil, nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Nil(t, page.Next)
	assert.NotNil(t, page.Previous)
	assert.Equal(t, "Course D", page.Results[1].Title)
}
