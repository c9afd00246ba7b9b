// Package auth issues and reads the host session cookie.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/host"
)

const issuer = "mindengage-lti-tool"

// Claims of the session cookie. LTIExpected marks sessions opened by an LTI
// launch so the host does not treat the account switch as suspicious.
type Claims struct {
	LTIExpected bool `json:"lti_expected,omitempty"`
	jwt.RegisteredClaims
}

type Sessions struct {
	hmac       []byte
	CookieName string
	TTL        time.Duration
	Secure     bool
}

func NewSessions(secret, cookieName string, ttl time.Duration, secure bool) *Sessions {
	if cookieName == "" {
		cookieName = "ltitool_session"
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Sessions{hmac: []byte(secret), CookieName: cookieName, TTL: ttl, Secure: secure}
}

// Login returns the session cookie for user.
func (s *Sessions) Login(ctx context.Context, user host.User, ltiExpected bool) ([]*http.Cookie, error) {
	if !user.IsActive {
		return nil, errors.New("auth: inactive user")
	}
	now := time.Now()
	claims := &Claims{
		LTIExpected: ltiExpected,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.hmac)
	if err != nil {
		return nil, err
	}
	return []*http.Cookie{{
		Name:     s.CookieName,
		Value:    tok,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.Secure,
		// launches arrive as cross-site form posts inside an iframe
		SameSite: sameSite(s.Secure),
		Expires:  now.Add(s.TTL),
	}}, nil
}

// Logout returns a cookie clearing the session.
func (s *Sessions) Logout() *http.Cookie {
	return &http.Cookie{Name: s.CookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: s.Secure}
}

func (s *Sessions) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.hmac, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	c, _ := token.Claims.(*Claims)
	return c, nil
}

// CurrentUserID returns the user of the request session, if any.
func (s *Sessions) CurrentUserID(r *http.Request) (string, bool) {
	if id := UserIDFromContext(r.Context()); id != "" {
		return id, true
	}
	ck, err := r.Cookie(s.CookieName)
	if err != nil || ck.Value == "" {
		return "", false
	}
	c, err := s.Parse(ck.Value)
	if err != nil {
		return "", false
	}
	return c.Subject, true
}

// Attach puts the session user into the request context.
func (s *Sessions) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := s.CurrentUserID(r); ok {
			r = r.WithContext(WithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// CredentialChecker verifies local username/password logins.
type CredentialChecker interface {
	CheckPassword(ctx context.Context, username, password string) (host.User, error)
}

// LoginHandler handles POST /login (form: username, password, next).
func LoginHandler(s *Sessions, creds CredentialChecker, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		u, err := creds.CheckPassword(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
		if err != nil {
			if !errors.Is(err, host.ErrBadCredentials) {
				log.WithError(err).Error("login failed")
			}
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		cookies, err := s.Login(r.Context(), u, false)
		if err != nil {
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}
		for _, c := range cookies {
			http.SetCookie(w, c)
		}
		next := r.PostForm.Get("next")
		if next == "" || next[0] != '/' || (len(next) > 1 && next[1] == '/') {
			next = "/"
		}
		http.Redirect(w, r, next, http.StatusFound)
	}
}

func LogoutHandler(s *Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, s.Logout())
		w.WriteHeader(http.StatusNoContent)
	}
}

func sameSite(secure bool) http.SameSite {
	if secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}
