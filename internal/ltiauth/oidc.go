// Package ltiauth adapts the LTI 1.3 security flow: OIDC login initiation,
// id_token verification against platform key sets, launch caching and the
// tool's own signing keys.
package ltiauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	statePrefix     = "lti1p3-state-"
	stateCookieName = "lti1p3-state"
	stateTTL        = 10 * time.Minute
)

// Registry resolves platform registrations.
type Registry interface {
	FindTool(ctx context.Context, issuer, clientID string) (access.Tool, error)
	FindToolsByIssuer(ctx context.Context, issuer string) ([]access.Tool, error)
}

// OIDC implements both legs of the LTI 1.3 launch: the third party login
// initiation and the id_token post back.
type OIDC struct {
	Registry Registry
	Keys     KeyResolver
	Cache    Cache
	Launches *LaunchStore
	Log      logrus.FieldLogger
	// SecureCookies sets Secure and SameSite=None on the state cookie.
	SecureCookies bool
	Leeway        time.Duration
}

type oidcState struct {
	Nonce         string `json:"nonce"`
	Issuer        string `json:"iss"`
	ClientID      string `json:"client_id"`
	TargetLinkURI string `json:"target_link_uri"`
}

// LoginHandler handles GET|POST /1.3/login.
func (o *OIDC) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	iss := r.Form.Get("iss")
	loginHint := r.Form.Get("login_hint")
	target := r.Form.Get("target_link_uri")
	if iss == "" || loginHint == "" || target == "" {
		http.Error(w, "missing iss, login_hint or target_link_uri", http.StatusBadRequest)
		return
	}
	if !isHTTPURL(target) {
		http.Error(w, "target_link_uri must be an absolute http(s) URL", http.StatusBadRequest)
		return
	}

	tool, err := o.resolveTool(r.Context(), iss, r.Form.Get("client_id"))
	if err != nil {
		o.Log.WithError(err).WithField("iss", iss).Warn("OIDC login for unknown registration")
		http.Error(w, "unknown platform registration", http.StatusBadRequest)
		return
	}

	state := "state-" + randHex(16)
	st := oidcState{Nonce: randHex(16), Issuer: tool.Issuer, ClientID: tool.ClientID, TargetLinkURI: target}
	b, _ := json.Marshal(st)
	if err := o.Cache.Set(r.Context(), statePrefix+state, b, stateTTL); err != nil {
		o.Log.WithError(err).Error("store OIDC state")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   o.SecureCookies,
		SameSite: sameSiteFor(o.SecureCookies),
	})

	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", tool.ClientID)
	q.Set("redirect_uri", target)
	q.Set("login_hint", loginHint)
	q.Set("state", state)
	q.Set("nonce", st.Nonce)
	if hint := r.Form.Get("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}
	sep := "?"
	if strings.Contains(tool.AuthLoginURL, "?") {
		sep = "&"
	}
	http.Redirect(w, r, tool.AuthLoginURL+sep+q.Encode(), http.StatusFound)
}

func (o *OIDC) resolveTool(ctx context.Context, iss, clientID string) (access.Tool, error) {
	if clientID != "" {
		return o.Registry.FindTool(ctx, iss, clientID)
	}
	tools, err := o.Registry.FindToolsByIssuer(ctx, iss)
	if err != nil {
		return access.Tool{}, err
	}
	if len(tools) == 0 {
		return access.Tool{}, access.ErrToolNotFound
	}
	return tools[0], nil
}

// FromRequest validates the id_token post of a launch and caches the
// resulting message under a new launch id.
func (o *OIDC) FromRequest(r *http.Request) (*lti.Message, error) {
	if err := r.ParseForm(); err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "malformed launch request")
	}
	rawToken := r.PostForm.Get("id_token")
	state := r.PostForm.Get("state")
	if rawToken == "" {
		return nil, lti.Errorf(lti.KindProtocol, "missing id_token")
	}
	if state == "" {
		return nil, lti.Errorf(lti.KindProtocol, "missing state")
	}
	if ck, err := r.Cookie(stateCookieName); err == nil && ck.Value != state {
		return nil, lti.Errorf(lti.KindProtocol, "state cookie mismatch")
	}
	b, err := o.Cache.Take(r.Context(), statePrefix+state)
	if err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "unknown or expired state")
	}
	var st oidcState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "corrupt state")
	}

	claims, err := o.verify(r.Context(), rawToken)
	if err != nil {
		return nil, err
	}
	if claims.String("nonce") != st.Nonce {
		return nil, lti.Errorf(lti.KindProtocol, "invalid nonce")
	}
	// the token must come from the registration the login leg was started for
	if claims.String("iss") != st.Issuer || lti.GetClientID(claims["aud"], claims.String("azp")) != st.ClientID {
		return nil, lti.Errorf(lti.KindProtocol, "id_token does not match login state")
	}
	msg, err := o.Launches.Save(r.Context(), claims)
	if err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "could not persist launch")
	}
	o.Log.WithFields(logrus.Fields{
		"launch_id":    msg.LaunchID,
		"iss":          claims.String("iss"),
		"message_type": msg.Type(),
	}).Debug("launch message verified")
	return msg, nil
}

// FromCache restores a previously verified message.
func (o *OIDC) FromCache(ctx context.Context, launchID string) (*lti.Message, error) {
	msg, err := o.Launches.Load(ctx, launchID)
	if err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "launch data not found")
	}
	return msg, nil
}

func (o *OIDC) verify(ctx context.Context, rawToken string) (lti.Claims, error) {
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, unverified); err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "malformed id_token")
	}
	iss, _ := unverified["iss"].(string)
	azp, _ := unverified["azp"].(string)
	clientID := lti.GetClientID(unverified["aud"], azp)
	tool, err := o.Registry.FindTool(ctx, iss, clientID)
	if err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, fmt.Sprintf("unknown platform registration (iss=%s, client_id=%s)", iss, clientID))
	}

	leeway := o.Leeway
	if leeway == 0 {
		leeway = 30 * time.Second
	}
	verified := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(rawToken, verified, func(t *jwt.Token) (any, error) {
		return o.Keys.Key(ctx, tool.KeySetURL, t)
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(tool.Issuer),
		jwt.WithAudience(tool.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return nil, lti.Wrap(lti.KindProtocol, err, "invalid id_token")
	}

	claims := lti.Claims(verified)
	if claims.String("sub") == "" && claims.String(lti.ClaimMessageType) == lti.MessageTypeResourceLink {
		return nil, lti.Errorf(lti.KindProtocol, "id_token has no subject")
	}
	if v := claims.String(lti.ClaimVersion); v != lti.Version {
		return nil, lti.Errorf(lti.KindProtocol, "unsupported LTI version %q", v)
	}
	if dep := claims.String(lti.ClaimDeploymentID); !tool.HasDeployment(dep) {
		return nil, lti.Errorf(lti.KindProtocol, "unknown deployment_id %q", dep)
	}
	return claims, nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func sameSiteFor(secure bool) http.SameSite {
	if secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
