// Package launch runs LTI 1.3 resource link launches: verify the message,
// resolve identity and target, authorize, provision, log in, enroll,
// redirect and bind the grade service line item.
package launch

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/ags"
	"github.com/mind-engage/mindengage-lti-tool/internal/config"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	ActionLink   = "link"
	ActionCreate = "create"
)

// ResumeCookieName carries the resume token of a paused launch.
const ResumeCookieName = "lti_resume"

const resumeCookieTTL = time.Hour

type MessageSource interface {
	FromRequest(r *http.Request) (*lti.Message, error)
	FromCache(ctx context.Context, launchID string) (*lti.Message, error)
}

type AccessChecker interface {
	Check(ctx context.Context, courseID, issuer, clientID string) error
}

type ProfileStore interface {
	Get(ctx context.Context, iss, aud, sub string) (profiles.Profile, error)
	GetOrCreate(ctx context.Context, id lti.Identity) (profiles.Profile, bool, error)
	Link(ctx context.Context, id lti.Identity, userID string) (profiles.Profile, error)
	UpdatePII(ctx context.Context, profileID string, pii lti.PII) error
}

type Authenticator interface {
	Authenticate(ctx context.Context, iss, aud, sub string) (host.User, error)
}

type SessionManager interface {
	Login(ctx context.Context, user host.User, ltiExpected bool) ([]*http.Cookie, error)
	CurrentUserID(r *http.Request) (string, bool)
}

// ResumeGuard binds a paused launch to the browser that was prompted.
type ResumeGuard interface {
	IssueResumeToken(ctx context.Context, launchID string) (string, error)
	CheckResumeToken(ctx context.Context, launchID, token string) error
}

type ResourceBinder interface {
	GetOrCreate(ctx context.Context, profileID, contextKey, lineItem string) (ags.GradedResource, bool, error)
}

// Pipeline holds the collaborators of a launch. Every field is required
// except Configs, whose absence means new_accounts_only.
type Pipeline struct {
	Messages MessageSource
	Identity lti.IdentityResolver
	Access   AccessChecker
	Configs  access.ConfigurationSource
	Profiles ProfileStore
	Auth     Authenticator
	Sessions SessionManager
	Enroller host.Enroller
	Graded   ResourceBinder
	Resume   ResumeGuard
	Features config.Features
	// LMSBaseURL prefixes the course and unit redirects.
	LMSBaseURL string
	// SecureCookies sets Secure and SameSite=None on the resume cookie.
	SecureCookies bool
	Log           logrus.FieldLogger
}

type Request struct {
	CourseID    string
	UnitID      string
	LaunchID    string
	UserAction  string
	ResumeToken string
}

// LoginPrompt asks the user how to obtain a local account before the
// launch continues under LaunchID.
type LoginPrompt struct {
	LaunchID string
	Mode     access.ProvisioningMode
	LoggedIn bool
	Message  string
	// Token must come back with the form that resumes the launch.
	Token string
}

// Result is either a redirect with session cookies or a login prompt.
type Result struct {
	RedirectURL string
	Cookies     []*http.Cookie
	Prompt      *LoginPrompt
	Profile     profiles.Profile
	Target      Target
	Resource    *ags.GradedResource
}

func (p *Pipeline) Launch(r *http.Request, req Request) (*Result, error) {
	ctx := r.Context()

	if req.LaunchID != "" {
		if err := p.checkResume(r, req); err != nil {
			return nil, err
		}
	}
	msg, err := p.acquire(r, req.LaunchID)
	if err != nil {
		return nil, err
	}

	id := p.Identity.Resolve(msg.Claims)
	if id.Issuer == "" || id.ClientID == "" || id.Subject == "" {
		return nil, lti.Errorf(lti.KindProtocol, "Missing identity claims (iss, aud, sub)")
	}
	target, err := resolveTarget(req.CourseID, req.UnitID, msg.Claims)
	if err != nil {
		return nil, err
	}
	if target.Unit == nil && !p.Features.CompleteCourseLaunch {
		return nil, lti.Errorf(lti.KindAuthorization, "Complete course launches are not enabled.")
	}
	log := p.Log.WithFields(logrus.Fields{
		"launch_id": msg.LaunchID,
		"iss":       id.Issuer,
		"client_id": id.ClientID,
		"course_id": target.Course.String(),
	})

	if err := p.Access.Check(ctx, target.Course.String(), id.Issuer, id.ClientID); err != nil {
		return nil, err
	}

	prof, prompt, err := p.resolveProfile(r, msg, id, req.UserAction)
	if err != nil {
		return nil, err
	}
	if prompt != nil {
		if p.Resume == nil {
			return nil, lti.Errorf(lti.KindProtocol, "Launch resume is not available")
		}
		tok, err := p.Resume.IssueResumeToken(ctx, prompt.LaunchID)
		if err != nil {
			return nil, lti.Wrap(lti.KindProtocol, err, "Unable to pause launch")
		}
		prompt.Token = tok
		log.WithField("mode", prompt.Mode).Info("LTI launch waiting for account choice")
		return &Result{
			Prompt:  prompt,
			Target:  target,
			Cookies: []*http.Cookie{p.resumeCookie(tok, int(resumeCookieTTL.Seconds()))},
		}, nil
	}

	user, err := p.Auth.Authenticate(ctx, id.Issuer, id.ClientID, id.Subject)
	if err != nil {
		return nil, lti.Wrap(lti.KindLocalAccount, err, "Unable to authenticate LTI user")
	}
	cookies, err := p.Sessions.Login(ctx, user, true)
	if err != nil {
		return nil, lti.Wrap(lti.KindLocalAccount, err, "Unable to start session")
	}

	if err := p.enroll(ctx, user.ID, target.Course.String()); err != nil {
		return nil, err
	}

	if req.LaunchID != "" {
		cookies = append(cookies[:len(cookies):len(cookies)], p.resumeCookie("", -1))
	}
	res := &Result{Cookies: cookies, Profile: prof, Target: target}
	if target.Unit != nil {
		res.RedirectURL = p.LMSBaseURL + "/xblock/" + target.Unit.String()
	} else {
		res.RedirectURL = p.LMSBaseURL + "/courses/" + target.Course.String() + "/course/"
	}

	if ep, ok := msg.AGS(); ok {
		gr, err := p.bindLineItem(ctx, prof, target, ep)
		if err != nil {
			return nil, err
		}
		res.Resource = &gr
	}

	log.WithFields(logrus.Fields{"user_id": user.ID, "profile_id": prof.ID, "redirect": res.RedirectURL}).
		Info("LTI launch completed")
	return res, nil
}

// checkResume accepts a resumed launch only as a form post carrying the
// token issued with the prompt, echoed by the cookie set alongside it.
func (p *Pipeline) checkResume(r *http.Request, req Request) error {
	if r.Method != http.MethodPost {
		return lti.Errorf(lti.KindProtocol, "Launch can only be resumed with a form post")
	}
	ck, err := r.Cookie(ResumeCookieName)
	if err != nil || req.ResumeToken == "" ||
		subtle.ConstantTimeCompare([]byte(ck.Value), []byte(req.ResumeToken)) != 1 {
		return lti.Errorf(lti.KindProtocol, "Launch can only be resumed from the browser that started it")
	}
	if p.Resume == nil {
		return lti.Errorf(lti.KindProtocol, "Launch resume is not available")
	}
	if err := p.Resume.CheckResumeToken(r.Context(), req.LaunchID, req.ResumeToken); err != nil {
		return lti.Wrap(lti.KindProtocol, err, "Launch resume rejected")
	}
	return nil
}

func (p *Pipeline) resumeCookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     ResumeCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if p.SecureCookies {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (p *Pipeline) acquire(r *http.Request, launchID string) (*lti.Message, error) {
	var (
		msg *lti.Message
		err error
	)
	if launchID != "" {
		msg, err = p.Messages.FromCache(r.Context(), launchID)
	} else {
		msg, err = p.Messages.FromRequest(r)
	}
	if err != nil {
		return nil, err
	}
	if !msg.IsResourceLink() {
		return nil, lti.Errorf(lti.KindProtocol, "Invalid message type %q", msg.Type())
	}
	return msg, nil
}

func (p *Pipeline) provisioningMode(ctx context.Context, id lti.Identity) access.ProvisioningMode {
	if p.Configs == nil {
		return access.ModeNewAccountsOnly
	}
	_, cfg, err := p.Configs.ConfigurationFor(ctx, id.Issuer, id.ClientID)
	if err != nil || !cfg.ProvisioningMode.Valid() {
		return access.ModeNewAccountsOnly
	}
	return cfg.ProvisioningMode
}

// resolveProfile returns the launch profile, or a prompt when the
// provisioning mode needs the user to choose first.
func (p *Pipeline) resolveProfile(r *http.Request, msg *lti.Message, id lti.Identity, action string) (profiles.Profile, *LoginPrompt, error) {
	ctx := r.Context()

	prof, err := p.Profiles.Get(ctx, id.Issuer, id.ClientID, id.Subject)
	if err == nil {
		if p.Features.CapturePII {
			if err := p.Profiles.UpdatePII(ctx, prof.ID, id.PII); err != nil {
				p.Log.WithError(err).WithField("profile_id", prof.ID).Warn("profile PII refresh failed")
			}
		}
		return prof, nil, nil
	}
	if !errors.Is(err, profiles.ErrNotFound) {
		p.Log.WithError(err).WithFields(logrus.Fields{"iss": id.Issuer, "client_id": id.ClientID}).
			Warn("profile lookup failed, continuing as new profile")
	}

	mode := p.provisioningMode(ctx, id)
	userID, loggedIn := p.Sessions.CurrentUserID(r)
	prompt := &LoginPrompt{LaunchID: msg.LaunchID, Mode: mode, LoggedIn: loggedIn}

	switch {
	case mode == access.ModeNewAccountsOnly,
		mode == access.ModeExistingAndNewAccounts && action == ActionCreate:
		prof, _, err := p.Profiles.GetOrCreate(ctx, id)
		if err != nil {
			return profiles.Profile{}, nil, lti.Wrap(lti.KindLocalAccount, err, "Unable to create LTI profile")
		}
		return prof, nil, nil

	case action == ActionLink:
		if !loggedIn {
			prompt.Message = "Sign in to the account you want to link first."
			return profiles.Profile{}, prompt, nil
		}
		prof, err := p.Profiles.Link(ctx, id, userID)
		if err != nil {
			return profiles.Profile{}, nil, lti.Wrap(lti.KindLocalAccount, err, "Unable to link LTI profile")
		}
		return prof, nil, nil

	case action == ActionCreate:
		return profiles.Profile{}, nil, lti.Errorf(lti.KindAuthorization, "This tool only accepts existing accounts.")

	default:
		return profiles.Profile{}, prompt, nil
	}
}

// enroll makes sure the user has an active enrollment in the course.
func (p *Pipeline) enroll(ctx context.Context, userID, courseID string) error {
	e, err := p.Enroller.GetEnrollment(ctx, userID, courseID)
	if err == nil && e.IsActive {
		return nil
	}
	if err != nil && !errors.Is(err, host.ErrNotEnrolled) {
		return lti.Wrap(lti.KindLocalAccount, err, "Unable to read enrollment")
	}
	if err := p.Enroller.Enroll(ctx, userID, courseID, true); err != nil {
		return lti.Wrap(lti.KindLocalAccount, err, "Unable to enroll user")
	}
	return nil
}

func (p *Pipeline) bindLineItem(ctx context.Context, prof profiles.Profile, t Target, ep lti.AGSEndpoint) (ags.GradedResource, error) {
	if ep.LineItem == "" {
		return ags.GradedResource{}, lti.Errorf(lti.KindAGS, "Missing AGS lineitem")
	}
	if !ep.CanPostScore() {
		return ags.GradedResource{}, lti.Errorf(lti.KindAGS, "Missing AGS score scope")
	}
	gr, created, err := p.Graded.GetOrCreate(ctx, prof.ID, t.ContextKey(), ep.LineItem)
	if err != nil {
		return ags.GradedResource{}, lti.Wrap(lti.KindAGS, err, "Unable to register graded resource")
	}
	if created {
		p.Log.WithFields(logrus.Fields{"profile_id": prof.ID, "context_key": gr.ContextKey, "lineitem": gr.LineItem}).
			Info("graded resource registered")
	}
	return gr, nil
}
